// Package receiver implements the per-incoming-message state machine
// (spec.md §4.5): unscheduled collection followed by Grant-paced
// scheduled collection, reassembly, and hand-off to the application
// writer.
package receiver

import (
	"context"
	"time"

	"github.com/saranblock3/homad/internal/queue"
	"github.com/saranblock3/homad/internal/rng"
	"github.com/saranblock3/homad/internal/wire"
	"github.com/saranblock3/homad/internal/xslices"
)

// inboxCapacity bounds a Receiver's pending-datagram queue (spec.md §5
// "bounded message queues").
const inboxCapacity = 1000

// Config carries the CLI-configurable constants a Receiver needs
// (spec.md §6).
type Config struct {
	MaxPayload       int
	UnscheduledLimit int
	Timeout          time.Duration
	Resends          int
	LargeResends     int
}

// DefaultConfig mirrors spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayload:       1400,
		UnscheduledLimit: 6,
		Timeout:          15 * time.Millisecond,
		Resends:          5,
		LargeResends:     20,
	}
}

// Transport is the outbound half of the raw I/O path a Receiver needs.
type Transport interface {
	Send(ctx context.Context, src, dst [4]byte, dscp uint8, payload []byte) error
}

// PriorityManager is the subset of priority.Manager a Receiver depends on.
type PriorityManager interface {
	PutUnscheduledPartitions(ctx context.Context, peer [4]byte, partitions []uint64)
	RegisterScheduled(ctx context.Context, id uint64, remainingBytes uint64)
	GetScheduledPriority(ctx context.Context, id uint64, remainingBytes uint64) (uint8, bool)
	UnregisterScheduled(ctx context.Context, id uint64)
}

// WorkloadManager is the subset of workload.Manager a Receiver depends on.
type WorkloadManager interface {
	Update(ctx context.Context, messageLength uint64) []uint64
}

// Writer delivers a fully reassembled message to the application.
type Writer interface {
	Deliver(ctx context.Context, messageID uint64, srcID, dstID uint32, peer [4]byte, content []byte)
}

// Mailbox is the notification surface a Receiver calls back into on
// termination (spec.md §4.3 FromReceiver).
type Mailbox interface {
	FromReceiver(ctx context.Context, messageID uint64)
}

// Receiver runs one incoming message to completion or abandonment,
// triggered by the first Data datagram the mailbox routed to it.
type Receiver struct {
	cfg Config

	messageID     uint64
	srcID, dstID  uint32
	peer          [4]byte
	local         [4]byte
	messageLength uint64
	total         int

	slots           [][]byte
	collectedCount  int
	collectedBytes  uint64
	unscheduledOnly bool
	peerWorkload    [wire.UPP]uint64

	transport Transport
	priority  PriorityManager
	workload  WorkloadManager
	writer    Writer
	mailbox   Mailbox
	rng       *rng.Source

	Inbox *queue.Bounded[wire.Datagram]
}

// New constructs a Receiver bound to the message identified by first,
// which must be a KindData datagram. srcAddr and dstAddr are the source
// and destination IPv4 addresses carried by first's own IP header: dstAddr
// is the address the peer addressed us at, reused verbatim as the source
// address on every reply this Receiver sends back (spec.md §4.1: "source/
// destination are the peer addresses"). Call Run to drive it to
// completion.
func New(cfg Config, first wire.Datagram, srcAddr, dstAddr [4]byte, transport Transport, priority PriorityManager, workload WorkloadManager, writer Writer, mailbox Mailbox, src *rng.Source) *Receiver {
	total := ceilDiv(int(first.MessageLength), cfg.MaxPayload)
	if total == 0 {
		total = 1
	}
	r := &Receiver{
		cfg:             cfg,
		messageID:       first.MessageID,
		srcID:           first.SourceID,
		dstID:           first.DestinationID,
		peer:            srcAddr,
		local:           dstAddr,
		messageLength:   first.MessageLength,
		total:           total,
		slots:           make([][]byte, total),
		transport:       transport,
		priority:        priority,
		workload:        workload,
		writer:          writer,
		mailbox:         mailbox,
		rng:             src,
		Inbox:           queue.NewBounded[wire.Datagram](inboxCapacity),
		unscheduledOnly: first.MessageLength <= uint64(cfg.UnscheduledLimit)*uint64(cfg.MaxPayload),
		peerWorkload:    first.Workload,
	}
	r.insert(first)
	return r
}

func ceilDiv(n, d int) int {
	if n == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// waitDatagram blocks for at most timeout (fuzzed) for the next inbound
// datagram, draining Inbox's coalesced wake-up until it actually yields
// one. A Receiver has exactly one consumer of its own Inbox, so a
// wake-up with nothing to Pop only happens if a previous wake-up already
// drained it; looping on the same timer keeps that harmless.
func (r *Receiver) waitDatagram(ctx context.Context, timeout time.Duration) (wire.Datagram, bool) {
	timer := time.NewTimer(r.rng.Fuzz(timeout))
	defer timer.Stop()
	for {
		select {
		case <-r.Inbox.Notify():
			if d, ok := r.Inbox.Pop(); ok {
				return d, true
			}
		case <-timer.C:
			return wire.Datagram{}, false
		case <-ctx.Done():
			return wire.Datagram{}, false
		}
	}
}

func (r *Receiver) insert(d wire.Datagram) {
	idx := int(d.SequenceNumber)
	if idx < 0 || idx >= len(r.slots) || r.slots[idx] != nil {
		return
	}
	payload := append([]byte(nil), d.Payload...)
	r.slots[idx] = payload
	r.collectedCount++
	r.collectedBytes += uint64(len(payload))
}

// Run executes the full receiver state machine (spec.md §4.5) and
// notifies the mailbox exactly once before returning.
func (r *Receiver) Run(ctx context.Context) {
	defer r.mailbox.FromReceiver(context.Background(), r.messageID)

	if !xslices.IsZeroed(r.peerWorkload[:]...) {
		r.priority.PutUnscheduledPartitions(ctx, r.peer, r.peerWorkload[:])
	}
	localWorkload := r.workload.Update(ctx, r.messageLength)

	if !r.collectUnscheduled(ctx, localWorkload) {
		return // abandoned.
	}
	if !r.unscheduledOnly {
		if !r.collectScheduled(ctx) {
			return // abandoned.
		}
	}
	r.complete(ctx)
}

func (r *Receiver) complete(ctx context.Context) {
	var content []byte
	xslices.SliceReuse(&content, int(r.collectedBytes))
	for _, s := range r.slots {
		content = append(content, s...)
	}
	r.writer.Deliver(ctx, r.messageID, r.srcID, r.dstID, r.peer, content)
	_ = r.transport.Send(ctx, r.local, r.peer, 0, r.finalGrant())
}

func (r *Receiver) finalGrant() []byte {
	d := wire.Datagram{
		Kind:           wire.KindGrant,
		MessageID:      r.messageID,
		SourceID:       r.dstID,
		DestinationID:  r.srcID,
		SequenceNumber: uint32(r.total),
		Priority:       0,
	}
	buf := make([]byte, wire.EncodedLen(0))
	wire.Encode(buf, &d)
	return buf
}

// collectUnscheduled drives phase 1 (spec.md §4.5).
func (r *Receiver) collectUnscheduled(ctx context.Context, localWorkload []uint64) bool {
	for attempt := 0; attempt < r.cfg.Resends; {
		if r.collectedBytes == r.messageLength || r.collectedCount >= r.cfg.UnscheduledLimit {
			return true
		}

		d, ok := r.waitDatagram(ctx, r.cfg.Timeout)
		if !ok {
			if ctx.Err() != nil {
				return false
			}
			r.emitMissingResends(ctx, localWorkload)
			attempt++
			continue
		}
		if d.Kind == wire.KindData {
			r.insert(d)
		}
		attempt = 0 // progress resets the resend counter.
	}
	return false
}

func (r *Receiver) emitMissingResends(ctx context.Context, localWorkload []uint64) {
	limit := r.cfg.UnscheduledLimit
	if limit > len(r.slots) {
		limit = len(r.slots)
	}
	for idx := 0; idx < limit; idx++ {
		if r.slots[idx] != nil {
			continue
		}
		d := wire.Datagram{
			Kind:           wire.KindResend,
			MessageID:      r.messageID,
			SourceID:       r.dstID,
			DestinationID:  r.srcID,
			SequenceNumber: uint32(idx),
			Priority:       56,
		}
		copy(d.Workload[:], localWorkload)
		buf := make([]byte, wire.EncodedLen(0))
		wire.Encode(buf, &d)
		_ = r.transport.Send(ctx, r.local, r.peer, 56, buf)
	}
}

// collectScheduled drives phase 2 (spec.md §4.5).
func (r *Receiver) collectScheduled(ctx context.Context) bool {
	remaining := r.messageLength - r.collectedBytes
	r.priority.RegisterScheduled(ctx, r.messageID, remaining)

	if !r.grantNext(ctx) {
		return false
	}

	for attempt := 0; attempt < r.cfg.LargeResends; {
		if r.collectedBytes == r.messageLength {
			r.priority.UnregisterScheduled(ctx, r.messageID)
			return true
		}

		d, ok := r.waitDatagram(ctx, r.cfg.Timeout)
		if !ok {
			if ctx.Err() != nil {
				r.priority.UnregisterScheduled(ctx, r.messageID)
				return false
			}
			if !r.grantNext(ctx) {
				r.priority.UnregisterScheduled(ctx, r.messageID)
				return false
			}
			attempt++
			continue
		}
		if d.Kind == wire.KindData {
			r.insert(d)
		}
		if r.collectedBytes == r.messageLength {
			r.priority.UnregisterScheduled(ctx, r.messageID)
			return true
		}
		if !r.grantNext(ctx) {
			r.priority.UnregisterScheduled(ctx, r.messageID)
			return false
		}
		attempt = 0
	}
	r.priority.UnregisterScheduled(ctx, r.messageID)
	return false
}

func (r *Receiver) grantNext(ctx context.Context) bool {
	remaining := r.messageLength - r.collectedBytes
	dscp, ok := r.priority.GetScheduledPriority(ctx, r.messageID, remaining)
	if !ok {
		return false
	}
	d := wire.Datagram{
		Kind:           wire.KindGrant,
		MessageID:      r.messageID,
		SourceID:       r.dstID,
		DestinationID:  r.srcID,
		SequenceNumber: uint32(r.collectedCount),
		Priority:       dscp,
	}
	buf := make([]byte, wire.EncodedLen(0))
	wire.Encode(buf, &d)
	return r.transport.Send(ctx, r.local, r.peer, dscp, buf) == nil
}
