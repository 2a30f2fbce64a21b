// Package sender implements the per-outgoing-message state machine
// (spec.md §4.4): an unscheduled burst phase followed by a Grant-paced
// scheduled service phase, each driven by a fuzzed retransmit timer.
package sender

import (
	"context"
	"time"

	"github.com/saranblock3/homad/internal/queue"
	"github.com/saranblock3/homad/internal/rng"
	"github.com/saranblock3/homad/internal/wire"
)

// inboxCapacity bounds a Sender's pending-control-datagram queue (spec.md
// §5 "bounded message queues").
const inboxCapacity = 1000

// Config carries the CLI-configurable constants a Sender needs (spec.md
// §6).
type Config struct {
	MaxPayload       int
	UnscheduledLimit int
	Timeout          time.Duration
	LargeTimeout     time.Duration
	Resends          int
	LargeResends     int
}

// DefaultConfig mirrors spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayload:       1400,
		UnscheduledLimit: 6,
		Timeout:          15 * time.Millisecond,
		LargeTimeout:     10 * time.Second,
		Resends:          5,
		LargeResends:     20,
	}
}

// Transport is the outbound half of the raw I/O path a Sender needs: wrap
// payload in an IPv4 header addressed from src to dst at the given DSCP
// and ship it.
type Transport interface {
	Send(ctx context.Context, src, dst [4]byte, dscp uint8, payload []byte) error
}

// PriorityManager is the subset of priority.Manager a Sender depends on.
type PriorityManager interface {
	GetUnscheduledPriority(ctx context.Context, peer [4]byte, messageLength uint64) uint8
	PutUnscheduledPartitions(ctx context.Context, peer [4]byte, partitions []uint64)
}

// WorkloadManager is the subset of workload.Manager a Sender depends on.
type WorkloadManager interface {
	Get(ctx context.Context) []uint64
}

// Mailbox is the notification surface a Sender calls back into on
// termination (spec.md §4.3 FromSender).
type Mailbox interface {
	FromSender(ctx context.Context, messageID uint64)
}

// Params are the per-message parameters a Sender is constructed with
// (spec.md §4.4).
type Params struct {
	MessageID     uint64
	SourceID      uint32
	DestinationID uint32
	Local         [4]byte
	Peer          [4]byte
	Content       []byte
}

// Sender runs one outgoing message to completion or abandonment. Inbound
// control datagrams (Grant/Resend) addressed to this message are pushed
// onto Inbox by the mailbox's fast path (Mailbox.FastForward).
type Sender struct {
	cfg    Config
	params Params
	total  uint32

	transport Transport
	priority  PriorityManager
	workload  WorkloadManager
	mailbox   Mailbox
	rng       *rng.Source

	Inbox *queue.Bounded[wire.Datagram]
}

// New constructs a Sender. Call Run to drive it; Run returns once the
// message has been sent successfully or abandoned, after which it has
// already notified mailbox.
func New(cfg Config, params Params, transport Transport, priority PriorityManager, workload WorkloadManager, mailbox Mailbox, src *rng.Source) *Sender {
	total := uint32(ceilDiv(len(params.Content), cfg.MaxPayload))
	if total == 0 {
		total = 1 // zero-length content still occupies one datagram slot.
	}
	return &Sender{
		cfg:       cfg,
		params:    params,
		total:     total,
		transport: transport,
		priority:  priority,
		workload:  workload,
		mailbox:   mailbox,
		rng:       src,
		Inbox:     queue.NewBounded[wire.Datagram](inboxCapacity),
	}
}

func ceilDiv(n, d int) int {
	if n == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// Run executes the full sender state machine (spec.md §4.4) and notifies
// the mailbox exactly once before returning.
func (s *Sender) Run(ctx context.Context) {
	defer s.mailbox.FromSender(context.Background(), s.params.MessageID)

	unscheduledDSCP := s.priority.GetUnscheduledPriority(ctx, s.params.Peer, uint64(len(s.params.Content)))
	localWorkload := s.workload.Get(ctx)

	trigger, ok := s.unscheduledBurst(ctx, unscheduledDSCP, localWorkload)
	if !ok {
		return // abandoned: resend budget exhausted.
	}
	s.ingestWorkload(ctx, trigger)
	s.scheduledService(ctx, unscheduledDSCP, trigger)
}

// unscheduledBurst emits datagrams 0..min(U_LIMIT,total) at unscheduledDSCP
// and waits for the first control datagram, retrying on a fuzzed timeout
// up to cfg.Resends times.
func (s *Sender) unscheduledBurst(ctx context.Context, dscp uint8, localWorkload []uint64) (wire.Datagram, bool) {
	burst := s.total
	if uint32(s.cfg.UnscheduledLimit) < burst {
		burst = uint32(s.cfg.UnscheduledLimit)
	}

	for attempt := 0; attempt < s.cfg.Resends; attempt++ {
		for seq := uint32(0); seq < burst; seq++ {
			if err := s.emit(ctx, seq, dscp, localWorkload); err != nil {
				return wire.Datagram{}, false
			}
		}

		if d, ok := s.waitControl(ctx, s.cfg.Timeout); ok {
			return d, true
		} else if ctx.Err() != nil {
			return wire.Datagram{}, false
		}
	}
	return wire.Datagram{}, false
}

// waitControl blocks for at most timeout (fuzzed) for the next control
// datagram, draining Inbox's coalesced wake-up until it actually yields
// one. Since a Sender has exactly one consumer of its own Inbox, a wake-up
// with nothing to Pop only happens if another wake-up already drained it
// first; looping on the same timer keeps that harmless.
func (s *Sender) waitControl(ctx context.Context, timeout time.Duration) (wire.Datagram, bool) {
	timer := time.NewTimer(s.rng.Fuzz(timeout))
	defer timer.Stop()
	for {
		select {
		case <-s.Inbox.Notify():
			if d, ok := s.Inbox.Pop(); ok {
				return d, true
			}
		case <-timer.C:
			return wire.Datagram{}, false
		case <-ctx.Done():
			return wire.Datagram{}, false
		}
	}
}

// scheduledService drives phase 2 (spec.md §4.4): Grant/Resend until the
// message is fully transmitted or LARGE_TIMEOUT silence abandons it.
func (s *Sender) scheduledService(ctx context.Context, unscheduledDSCP uint8, first wire.Datagram) {
	d := first
	for {
		switch d.Kind {
		case wire.KindGrant:
			if d.SequenceNumber >= s.total {
				return // fully transmitted.
			}
			localWorkload := s.workload.Get(ctx)
			if err := s.emit(ctx, d.SequenceNumber, d.Priority, localWorkload); err != nil {
				return
			}
		case wire.KindResend:
			localWorkload := s.workload.Get(ctx)
			if err := s.emit(ctx, d.SequenceNumber, unscheduledDSCP, localWorkload); err != nil {
				return
			}
		}

		next, ok := s.waitControl(ctx, s.cfg.LargeTimeout)
		if !ok {
			return // abandoned: LARGE_TIMEOUT silence, or ctx cancelled.
		}
		s.ingestWorkload(ctx, next)
		d = next
	}
}

// ingestWorkload publishes a received control datagram's piggybacked
// workload vector into the Priority Manager, keyed by peer (spec.md
// §4.4).
func (s *Sender) ingestWorkload(ctx context.Context, d wire.Datagram) {
	s.priority.PutUnscheduledPartitions(ctx, s.params.Peer, d.Workload[:])
}

// emit serializes and ships the Data datagram at index seq.
func (s *Sender) emit(ctx context.Context, seq uint32, dscp uint8, localWorkload []uint64) error {
	start := int(seq) * s.cfg.MaxPayload
	end := start + s.cfg.MaxPayload
	if end > len(s.params.Content) {
		end = len(s.params.Content)
	}
	var payload []byte
	if start < end {
		payload = s.params.Content[start:end]
	}

	d := wire.Datagram{
		Kind:           wire.KindData,
		MessageID:      s.params.MessageID,
		SourceID:       s.params.SourceID,
		DestinationID:  s.params.DestinationID,
		SequenceNumber: seq,
		Priority:       dscp,
		MessageLength:  uint64(len(s.params.Content)),
		Payload:        payload,
	}
	copy(d.Workload[:], localWorkload)

	buf := make([]byte, wire.EncodedLen(len(payload)))
	if _, err := wire.Encode(buf, &d); err != nil {
		return err
	}
	return s.transport.Send(ctx, s.params.Local, s.params.Peer, dscp, buf)
}
