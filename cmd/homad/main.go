// Command homad runs the Homa transport daemon: it owns the raw IPv4
// socket, the application mailboxes, and the Priority and Workload
// managers (spec.md §1).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/saranblock3/homad/internal/config"
	"github.com/saranblock3/homad/internal/ipc"
	"github.com/saranblock3/homad/internal/logging"
	"github.com/saranblock3/homad/internal/mailbox"
	"github.com/saranblock3/homad/internal/message"
	"github.com/saranblock3/homad/internal/metrics"
	"github.com/saranblock3/homad/internal/priority"
	"github.com/saranblock3/homad/internal/rawio"
	"github.com/saranblock3/homad/internal/receiver"
	"github.com/saranblock3/homad/internal/rng"
	"github.com/saranblock3/homad/internal/sender"
	"github.com/saranblock3/homad/internal/workload"
)

func main() {
	root := &cobra.Command{
		Use:   "homad",
		Short: "Homa transport daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(root.Flags())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		logrus.StandardLogger().WithError(err).Fatal("homad: fatal error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Bootstrap failures are the only fatal errors (spec.md §7): the raw
	// socket and the IPC listener.
	sock, err := rawio.Open(rawio.DefaultConfig())
	if err != nil {
		return fmt.Errorf("homad: open raw socket: %w", err)
	}
	defer sock.Close()

	src := rng.NewSource()
	pm := priority.New(ctx, priority.Config{
		Slots:             cfg.ScheduledPriorityLevels,
		LevelWidth:        uint8(cfg.PriorityLevelWidth),
		UnscheduledLevels: cfg.UnscheduledPriorityLevels,
		UnscheduledLimit:  cfg.UnscheduledDatagramLimit,
		MaxPayload:        cfg.DatagramPayloadLength,
	})
	wm := workload.New(ctx, workload.Config{
		Levels:           cfg.UnscheduledPriorityLevels,
		MinSamples:       cfg.MinSamples,
		UnscheduledLimit: cfg.UnscheduledDatagramLimit,
		MaxPayload:       cfg.DatagramPayloadLength,
	})

	collector := metrics.New()
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, collector, log)
	}

	mboxCfg := mailbox.Config{
		Sender: sender.Config{
			MaxPayload:       cfg.DatagramPayloadLength,
			UnscheduledLimit: cfg.UnscheduledDatagramLimit,
			Timeout:          cfg.Timeout,
			LargeTimeout:     cfg.LargeTimeout,
			Resends:          cfg.Resends,
			LargeResends:     cfg.LargeResends,
		},
		Receiver: receiver.Config{
			MaxPayload:       cfg.DatagramPayloadLength,
			UnscheduledLimit: cfg.UnscheduledDatagramLimit,
			Timeout:          cfg.Timeout,
			Resends:          cfg.Resends,
			LargeResends:     cfg.LargeResends,
		},
	}

	registry := mailbox.NewRegistry()
	reg := &appRegistrar{
		ctx:       ctx,
		registry:  registry,
		cfg:       mboxCfg,
		transport: &instrumentedTransport{sock: sock, collector: collector},
		priority:  pm,
		workload:  wm,
		rng:       src,
		collector: collector,
		log:       logging.Component(log, "mailbox"),
	}

	ipcLog := logging.Component(log, "ipc")
	server := ipc.NewServer(cfg.SocketPath, reg, ipcLog)

	go sock.Run(ctx, func(payload []byte, src, dst [4]byte) {
		registry.Dispatch(payload, src, dst)
	})

	logging.Component(log, "homad").WithField("socket_path", cfg.SocketPath).Info("homad starting")
	return server.Listen(ctx)
}

func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Component(log, "metrics").WithError(err).Warn("metrics server exited")
	}
}

// instrumentedTransport wraps rawio.Socket to record send-side metrics.
type instrumentedTransport struct {
	sock      *rawio.Socket
	collector *metrics.Collector
}

func (t *instrumentedTransport) Send(ctx context.Context, src, dst [4]byte, dscp uint8, payload []byte) error {
	err := t.sock.Send(ctx, src, dst, dscp, payload)
	t.collector.ObserveSend(err)
	return err
}

// appRegistrar implements ipc.Registrar, bridging a newly-registered IPC
// connection to a mailbox.Mailbox (spec.md §4.3).
type appRegistrar struct {
	ctx       context.Context
	registry  *mailbox.Registry
	cfg       mailbox.Config
	transport mailbox.Transport
	priority  *priority.Manager
	workload  *workload.Manager
	rng       *rng.Source
	collector *metrics.Collector
	log       *logrus.Entry
}

func (r *appRegistrar) Attach(appID uint32, w ipc.Writer) (push func(message.Message), detach func(), err error) {
	if _, exists := r.registry.Lookup(appID); exists {
		return nil, nil, fmt.Errorf("homad: application id %d already registered", appID)
	}

	mbCtx, cancel := context.WithCancel(r.ctx)
	mb := mailbox.New(appID, r.cfg, r.registry, r.transport, r.priority, r.workload, w, r.rng)
	mb.SetMetrics(r.collector)
	r.registry.Register(appID, mb)
	r.collector.ObserveMailboxOpened()

	go mb.Run(mbCtx)

	push = func(msg message.Message) {
		msg.SourceID = appID
		mb.FromWriter(msg)
	}
	detach = func() {
		mb.Shutdown()
		cancel()
		r.collector.ObserveMailboxClosed()
	}
	return push, detach, nil
}
