package mailbox_test

import (
	"context"
	"net/netip"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/saranblock3/homad/internal/mailbox"
	"github.com/saranblock3/homad/internal/message"
	"github.com/saranblock3/homad/internal/priority"
	"github.com/saranblock3/homad/internal/rng"
	"github.com/saranblock3/homad/internal/wire"
	"github.com/saranblock3/homad/internal/workload"
)

type ginkgoTransport struct {
	mu  sync.Mutex
	out []wire.Datagram
}

func (f *ginkgoTransport) Send(ctx context.Context, src, dst [4]byte, dscp uint8, payload []byte) error {
	d, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, d)
	f.mu.Unlock()
	return nil
}

func (f *ginkgoTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type ginkgoWriter struct {
	delivered chan []byte
}

func (w *ginkgoWriter) Deliver(ctx context.Context, messageID uint64, srcID, dstID uint32, peer [4]byte, content []byte) {
	w.delivered <- content
}

func newGinkgoMailbox() (*mailbox.Mailbox, *mailbox.Registry, *ginkgoTransport, *ginkgoWriter) {
	ctx := context.Background()
	pm := priority.New(ctx, priority.DefaultConfig())
	wm := workload.New(ctx, workload.DefaultConfig())
	transport := &ginkgoTransport{}
	writer := &ginkgoWriter{delivered: make(chan []byte, 4)}
	registry := mailbox.NewRegistry()
	cfg := mailbox.DefaultConfig()
	cfg.Sender.MaxPayload = 10
	cfg.Receiver.MaxPayload = 10
	cfg.Sender.Timeout = 5 * time.Millisecond
	cfg.Receiver.Timeout = 5 * time.Millisecond
	mb := mailbox.New(1, cfg, registry, transport, pm, wm, writer, rng.NewSource())
	registry.Register(1, mb)
	return mb, registry, transport, writer
}

func encodeGinkgo(d wire.Datagram) []byte {
	buf := make([]byte, wire.EncodedLen(len(d.Payload)))
	_, err := wire.Encode(buf, &d)
	Expect(err).ToNot(HaveOccurred())
	return buf
}

var _ = Describe("Mailbox", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("spawns a sender for an outbound message and emits at least one datagram", func() {
		mb, _, transport, _ := newGinkgoMailbox()
		go mb.Run(ctx)

		mb.FromWriter(message.Message{
			SourceID:      1,
			DestinationID: 2,
			SourceAddr:    netip.AddrFrom4([4]byte{10, 0, 0, 1}),
			DestAddr:      netip.AddrFrom4([4]byte{10, 0, 0, 2}),
			Content:       make([]byte, 25),
		})

		Eventually(transport.count, time.Second, 5*time.Millisecond).Should(BeNumerically(">", 0))
	})

	It("reassembles an inbound message routed through the registry and delivers it once", func() {
		mb, registry, _, writer := newGinkgoMailbox()
		go mb.Run(ctx)
		_ = mb

		first := wire.Datagram{Kind: wire.KindData, MessageID: 7, DestinationID: 1, SequenceNumber: 0, MessageLength: 15, Payload: []byte("0123456789")}
		registry.Dispatch(encodeGinkgo(first), [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1})

		second := wire.Datagram{Kind: wire.KindData, MessageID: 7, DestinationID: 1, SequenceNumber: 1, MessageLength: 15, Payload: []byte("abcde")}
		registry.Dispatch(encodeGinkgo(second), [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 0, 1})

		var content []byte
		Eventually(writer.delivered, time.Second).Should(Receive(&content))
		Expect(string(content)).To(Equal("0123456789abcde"))
	})
})
