package receiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/saranblock3/homad/internal/rng"
	"github.com/saranblock3/homad/internal/wire"
)

type fakeTransport struct {
	mu  sync.Mutex
	out []wire.Datagram
}

func (f *fakeTransport) Send(ctx context.Context, src, dst [4]byte, dscp uint8, payload []byte) error {
	d, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, d)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) last() (wire.Datagram, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return wire.Datagram{}, false
	}
	return f.out[len(f.out)-1], true
}

type fakePriority struct {
	mu      sync.Mutex
	slotted map[uint64]bool
	unregCh chan uint64
}

func newFakePriority() *fakePriority {
	return &fakePriority{slotted: make(map[uint64]bool), unregCh: make(chan uint64, 10)}
}

func (p *fakePriority) PutUnscheduledPartitions(ctx context.Context, peer [4]byte, partitions []uint64) {
}
func (p *fakePriority) RegisterScheduled(ctx context.Context, id uint64, remainingBytes uint64) {
	p.mu.Lock()
	p.slotted[id] = true
	p.mu.Unlock()
}
func (p *fakePriority) GetScheduledPriority(ctx context.Context, id uint64, remainingBytes uint64) (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.slotted[id] {
		return 0, false
	}
	return 8, true
}
func (p *fakePriority) UnregisterScheduled(ctx context.Context, id uint64) {
	p.mu.Lock()
	delete(p.slotted, id)
	p.mu.Unlock()
	p.unregCh <- id
}

type fakeWorkload struct{}

func (fakeWorkload) Update(ctx context.Context, messageLength uint64) []uint64 {
	return make([]uint64, wire.UPP)
}

type fakeWriter struct {
	delivered chan []byte
}

func (w *fakeWriter) Deliver(ctx context.Context, messageID uint64, srcID, dstID uint32, peer [4]byte, content []byte) {
	w.delivered <- content
}

type fakeMailbox struct {
	done chan uint64
}

func (f *fakeMailbox) FromReceiver(ctx context.Context, messageID uint64) {
	f.done <- messageID
}

func testConfig() Config {
	c := DefaultConfig()
	c.MaxPayload = 10
	c.UnscheduledLimit = 2
	c.Timeout = 5 * time.Millisecond
	c.Resends = 3
	c.LargeResends = 3
	return c
}

func datagram(id uint64, seq uint32, length uint64, payload []byte) wire.Datagram {
	return wire.Datagram{
		Kind:           wire.KindData,
		MessageID:      id,
		SequenceNumber: seq,
		MessageLength:  length,
		Payload:        payload,
	}
}

// TestUnscheduledOnlyCompletesWithoutScheduling covers a message small
// enough to fit entirely in the unscheduled burst (spec.md §4.5
// unscheduled_only).
func TestUnscheduledOnlyCompletesWithoutScheduling(t *testing.T) {
	cfg := testConfig()
	transport := &fakeTransport{}
	writer := &fakeWriter{delivered: make(chan []byte, 1)}
	mailbox := &fakeMailbox{done: make(chan uint64, 1)}
	priority := newFakePriority()

	first := datagram(1, 0, 15, []byte("0123456789"))
	r := New(cfg, first, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 9}, transport, priority, fakeWorkload{}, writer, mailbox, rng.NewSource())

	go r.Run(context.Background())
	r.Inbox.Push(datagram(1, 1, 15, []byte("abcde")))

	select {
	case content := <-writer.delivered:
		if string(content) != "0123456789abcde" {
			t.Fatalf("unexpected reassembled content: %q", content)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never delivered the message")
	}

	select {
	case id := <-mailbox.done:
		if id != 1 {
			t.Fatalf("expected notification for message 1, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never notified the mailbox")
	}

	if d, ok := transport.last(); !ok || d.Kind != wire.KindGrant || d.SequenceNumber != uint32(r.total) {
		t.Fatalf("expected a final Grant at seq=total, got %+v ok=%v", d, ok)
	}
}

// TestScheduledPhaseRegistersAndGrants covers a message larger than the
// unscheduled budget, exercising register_scheduled and the Grant loop.
func TestScheduledPhaseRegistersAndGrants(t *testing.T) {
	cfg := testConfig()
	// 20 timeouts of at least Timeout/2 each outlast the 30ms quiet window
	// below, so the receiver cannot abandon during it.
	cfg.LargeResends = 20
	transport := &fakeTransport{}
	writer := &fakeWriter{delivered: make(chan []byte, 1)}
	mailbox := &fakeMailbox{done: make(chan uint64, 1)}
	priority := newFakePriority()

	// message_length 40 > U_LIMIT(2)*MAX_PAYLOAD(10) = 20, so this needs
	// the scheduled phase.
	first := datagram(2, 0, 40, []byte("0123456789"))
	r := New(cfg, first, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 9}, transport, priority, fakeWorkload{}, writer, mailbox, rng.NewSource())

	go r.Run(context.Background())
	r.Inbox.Push(datagram(2, 1, 40, []byte("0123456789")))

	select {
	case <-priority.unregCh:
		t.Fatal("should not unregister before the message is complete")
	case <-time.After(30 * time.Millisecond):
	}

	r.Inbox.Push(datagram(2, 2, 40, []byte("0123456789")))
	r.Inbox.Push(datagram(2, 3, 40, []byte("0123456789")))

	select {
	case content := <-writer.delivered:
		if len(content) != 40 {
			t.Fatalf("expected 40 bytes reassembled, got %d", len(content))
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never delivered the scheduled message")
	}

	select {
	case id := <-priority.unregCh:
		if id != 2 {
			t.Fatalf("expected unregister for message 2, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never unregistered from the priority manager")
	}
}
