// Package priority implements the Homa priority manager (spec.md §3, §4.6):
// SRPT slotting of scheduled messages and per-peer lookup of unscheduled
// DSCP bands. Like the workload manager, it is a single task serializing
// its own state; every operation is a message send, and the queries carry
// a reply channel.
package priority

import (
	"context"
	"sort"
)

// Config carries the process-wide constants the priority manager needs.
type Config struct {
	// Slots is S, the number of scheduled DSCP slots (default 2).
	Slots int
	// LevelWidth is the DSCP stride between priority levels (default 8).
	LevelWidth uint8
	// UnscheduledLevels is U, used only for the per-peer fallback when no
	// workload vector has been advertised yet.
	UnscheduledLevels int
	// UnscheduledLimit is U_LIMIT, used in the same fallback.
	UnscheduledLimit int
	// MaxPayload bounds a single datagram's payload.
	MaxPayload int
}

// DefaultConfig mirrors spec.md §6's process-wide constants.
func DefaultConfig() Config {
	return Config{
		Slots:             2,
		LevelWidth:        8,
		UnscheduledLevels: 6,
		UnscheduledLimit:  6,
		MaxPayload:        1400,
	}
}

type slot struct {
	occupied  bool
	id        uint64
	remaining uint64
}

type waiter struct {
	id        uint64
	remaining uint64
	activated chan struct{}
}

type registerReq struct {
	id        uint64
	remaining uint64
	done      chan struct{}
}

type getPriorityReq struct {
	id        uint64
	remaining uint64
	reply     chan getPriorityResp
}

type getPriorityResp struct {
	dscp uint8
	ok   bool
}

type unregisterReq struct {
	id uint64
}

type getUnscheduledReq struct {
	peer   [4]byte
	length uint64
	reply  chan uint8
}

type putPartitionsReq struct {
	peer       [4]byte
	partitions []uint64
}

// Manager owns the scheduled slot array, the waiting queue and the
// per-peer unscheduled partition table; all are touched only from
// Manager.run.
type Manager struct {
	cfg Config

	registers       chan registerReq
	getPriorities   chan getPriorityReq
	unregisters     chan unregisterReq
	getUnscheduleds chan getUnscheduledReq
	putPartitions   chan putPartitionsReq
}

// New starts a Manager goroutine bound to ctx.
func New(ctx context.Context, cfg Config) *Manager {
	m := &Manager{
		cfg:             cfg,
		registers:       make(chan registerReq),
		getPriorities:   make(chan getPriorityReq),
		unregisters:     make(chan unregisterReq),
		getUnscheduleds: make(chan getUnscheduledReq),
		putPartitions:   make(chan putPartitionsReq),
	}
	go m.run(ctx)
	return m
}

func (m *Manager) run(ctx context.Context) {
	slots := make([]slot, m.cfg.Slots)
	var waiting []waiter
	pending := make(map[uint64]chan struct{})
	peers := make(map[[4]byte][]uint64)

	sortSlots := func() {
		sort.SliceStable(slots, func(i, j int) bool {
			if slots[i].occupied != slots[j].occupied {
				return slots[i].occupied // occupied sorts before empty
			}
			if !slots[i].occupied {
				return false
			}
			return slots[i].remaining < slots[j].remaining
		})
	}

	popSmallestWaiter := func() (waiter, bool) {
		if len(waiting) == 0 {
			return waiter{}, false
		}
		best := 0
		for i := 1; i < len(waiting); i++ {
			if waiting[i].remaining < waiting[best].remaining {
				best = i
			}
		}
		w := waiting[best]
		waiting = append(waiting[:best], waiting[best+1:]...)
		return w, true
	}

	tryActivate := func() {
		for {
			idx := -1
			for i := range slots {
				if !slots[i].occupied {
					idx = i
					break
				}
			}
			if idx == -1 {
				break
			}
			w, ok := popSmallestWaiter()
			if !ok {
				break
			}
			slots[idx] = slot{occupied: true, id: w.id, remaining: w.remaining}
			close(w.activated)
			delete(pending, w.id)
		}
		sortSlots()
	}

	slotIndexOf := func(id uint64) (int, bool) {
		for i := range slots {
			if slots[i].occupied && slots[i].id == id {
				return i, true
			}
		}
		return 0, false
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.registers:
			if _, alreadySlotted := slotIndexOf(req.id); alreadySlotted {
				close(req.done)
				continue
			}
			ch, isPending := pending[req.id]
			if !isPending {
				ch = make(chan struct{})
				pending[req.id] = ch
			}
			waiting = append(waiting, waiter{id: req.id, remaining: req.remaining, activated: ch})
			tryActivate()
			// req.done is closed once ch (shared with the waiter) fires;
			// we bridge it in a goroutine so run() never blocks. The
			// ctx.Done() case keeps this from leaking past manager
			// shutdown if activation never comes.
			go func(done, activated chan struct{}) {
				select {
				case <-activated:
					close(done)
				case <-ctx.Done():
				}
			}(req.done, ch)

		case req := <-m.getPriorities:
			idx, ok := slotIndexOf(req.id)
			if !ok {
				// Not slotted: reply ok=false; caller retries after re-registering.
				req.reply <- getPriorityResp{}
				continue
			}
			slots[idx].remaining = req.remaining
			sortSlots()
			idx, _ = slotIndexOf(req.id)
			req.reply <- getPriorityResp{dscp: uint8(idx) * m.cfg.LevelWidth, ok: true}

		case req := <-m.unregisters:
			for i := range slots {
				if slots[i].occupied && slots[i].id == req.id {
					slots[i] = slot{}
				}
			}
			delete(pending, req.id)
			for i := range waiting {
				if waiting[i].id == req.id {
					waiting = append(waiting[:i], waiting[i+1:]...)
					break
				}
			}
			tryActivate()

		case req := <-m.getUnscheduleds:
			req.reply <- m.unscheduledDSCP(peers, req.peer, req.length)

		case req := <-m.putPartitions:
			peers[req.peer] = append([]uint64(nil), req.partitions...)
		}
	}
}

func (m *Manager) unscheduledDSCP(peers map[[4]byte][]uint64, peer [4]byte, length uint64) uint8 {
	partitions, ok := peers[peer]
	if !ok {
		partitions = m.uniformUnscheduledPartitions()
	}
	for i, p := range partitions {
		if length <= p {
			return 56 - 8*uint8(i)
		}
	}
	return 64 - 8*uint8(len(partitions))
}

func (m *Manager) uniformUnscheduledPartitions() []uint64 {
	upp := m.cfg.UnscheduledLevels - 1
	out := make([]uint64, upp)
	budget := uint64(m.cfg.UnscheduledLimit) * uint64(m.cfg.MaxPayload)
	for i := 1; i <= upp; i++ {
		out[i-1] = uint64(i) * budget / uint64(m.cfg.UnscheduledLevels)
	}
	return out
}

// RegisterScheduled blocks until id is placed into a scheduled slot
// (spec.md §4.6 register_scheduled), or ctx is cancelled.
func (m *Manager) RegisterScheduled(ctx context.Context, id uint64, remainingBytes uint64) {
	done := make(chan struct{})
	req := registerReq{id: id, remaining: remainingBytes, done: done}
	select {
	case m.registers <- req:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// GetScheduledPriority returns the DSCP for id's current slot and updates
// its remaining-bytes estimate. ok is false if id is not currently in a
// slot; the caller should re-register and retry (spec.md §4.6).
func (m *Manager) GetScheduledPriority(ctx context.Context, id uint64, remainingBytes uint64) (dscp uint8, ok bool) {
	reply := make(chan getPriorityResp, 1)
	req := getPriorityReq{id: id, remaining: remainingBytes, reply: reply}
	select {
	case m.getPriorities <- req:
	case <-ctx.Done():
		return 0, false
	}
	select {
	case resp := <-reply:
		return resp.dscp, resp.ok
	case <-ctx.Done():
		return 0, false
	}
}

// UnregisterScheduled clears id's slot (if any) and activates a waiter.
func (m *Manager) UnregisterScheduled(ctx context.Context, id uint64) {
	select {
	case m.unregisters <- unregisterReq{id: id}:
	case <-ctx.Done():
	}
}

// GetUnscheduledPriority returns the DSCP an unscheduled message of the
// given length should use toward peer, from peer's advertised partition
// vector or a uniform fallback (spec.md §4.6).
func (m *Manager) GetUnscheduledPriority(ctx context.Context, peer [4]byte, messageLength uint64) uint8 {
	reply := make(chan uint8, 1)
	req := getUnscheduledReq{peer: peer, length: messageLength, reply: reply}
	select {
	case m.getUnscheduleds <- req:
	case <-ctx.Done():
		return m.uniformFallbackDSCP(messageLength)
	}
	select {
	case dscp := <-reply:
		return dscp
	case <-ctx.Done():
		return m.uniformFallbackDSCP(messageLength)
	}
}

func (m *Manager) uniformFallbackDSCP(length uint64) uint8 {
	partitions := m.uniformUnscheduledPartitions()
	for i, p := range partitions {
		if length <= p {
			return 56 - 8*uint8(i)
		}
	}
	return 64 - 8*uint8(len(partitions))
}

// PutUnscheduledPartitions stores/overwrites peer's advertised partition
// vector (spec.md §4.6 put_unscheduled_partitions).
func (m *Manager) PutUnscheduledPartitions(ctx context.Context, peer [4]byte, partitions []uint64) {
	select {
	case m.putPartitions <- putPartitionsReq{peer: peer, partitions: partitions}:
	case <-ctx.Done():
	}
}
