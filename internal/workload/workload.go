// Package workload implements the Homa workload manager (spec.md §3, §4.7):
// an online empirical distribution of observed message sizes, consulted to
// compute the unscheduled-priority partition boundaries every per-message
// task piggybacks on its datagrams.
//
// The manager is a single task serializing its own state over a command
// channel (spec.md §5), the same "one task owns its maps, no locks"
// discipline the priority manager uses.
package workload

import (
	"context"
	"sort"
)

// Config carries the process-wide constants and CLI-configurable values
// the workload manager needs (spec.md §6, §8).
type Config struct {
	// Levels is U, the number of unscheduled priority levels (default 6).
	Levels int
	// MinSamples is the sample count below which partitions fall back to
	// a uniform split of the first RTT (default 100).
	MinSamples int
	// UnscheduledLimit is U_LIMIT, the number of datagrams sent eagerly.
	UnscheduledLimit int
	// MaxPayload is the per-datagram payload ceiling.
	MaxPayload int
}

// DefaultConfig mirrors spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		Levels:           6,
		MinSamples:       100,
		UnscheduledLimit: 6,
		MaxPayload:       1400,
	}
}

// Partitions returns UPP = Levels - 1.
func (c Config) Partitions() int { return c.Levels - 1 }

type updateReq struct {
	length uint64
	reply  chan []uint64
}

type getReq struct {
	reply chan []uint64
}

// Manager owns the sorted sample vector and the current partition vector;
// both are only ever touched from Manager.run, so no lock guards them.
type Manager struct {
	cfg     Config
	updates chan updateReq
	gets    chan getReq
}

// New starts a Manager goroutine bound to ctx; it exits when ctx is
// cancelled.
func New(ctx context.Context, cfg Config) *Manager {
	m := &Manager{
		cfg:     cfg,
		updates: make(chan updateReq),
		gets:    make(chan getReq),
	}
	go m.run(ctx)
	return m
}

func (m *Manager) run(ctx context.Context) {
	samples := make([]uint64, 0, m.cfg.MinSamples)
	partitions := uniformPartitions(m.cfg)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.updates:
			samples = insertSorted(samples, req.length)
			partitions = recompute(samples, partitions, m.cfg)
			req.reply <- append([]uint64(nil), partitions...)
		case req := <-m.gets:
			req.reply <- append([]uint64(nil), partitions...)
		}
	}
}

// Update inserts length as a new sample and returns the recomputed
// partition vector (spec.md §4.7 update_workload).
func (m *Manager) Update(ctx context.Context, length uint64) []uint64 {
	reply := make(chan []uint64, 1)
	select {
	case m.updates <- updateReq{length: length, reply: reply}:
	case <-ctx.Done():
		return uniformPartitions(m.cfg)
	}
	select {
	case v := <-reply:
		return v
	case <-ctx.Done():
		return uniformPartitions(m.cfg)
	}
}

// Get returns the current partition vector without recording a sample
// (spec.md §4.7 get_workload).
func (m *Manager) Get(ctx context.Context) []uint64 {
	reply := make(chan []uint64, 1)
	select {
	case m.gets <- getReq{reply: reply}:
	case <-ctx.Done():
		return uniformPartitions(m.cfg)
	}
	select {
	case v := <-reply:
		return v
	case <-ctx.Done():
		return uniformPartitions(m.cfg)
	}
}

func insertSorted(samples []uint64, v uint64) []uint64 {
	i := sort.Search(len(samples), func(i int) bool { return samples[i] >= v })
	samples = append(samples, 0)
	copy(samples[i+1:], samples[i:])
	samples[i] = v
	return samples
}

// uniformPartitions splits the first-RTT byte budget (UnscheduledLimit *
// MaxPayload) evenly across Levels bands, the fallback used before
// MinSamples samples have been observed (spec.md §4.7).
func uniformPartitions(cfg Config) []uint64 {
	upp := cfg.Partitions()
	out := make([]uint64, upp)
	budget := uint64(cfg.UnscheduledLimit) * uint64(cfg.MaxPayload)
	for i := 1; i <= upp; i++ {
		out[i-1] = uint64(i) * budget / uint64(cfg.Levels)
	}
	return out
}

func recompute(samples []uint64, prev []uint64, cfg Config) []uint64 {
	if len(samples) < cfg.MinSamples {
		return uniformPartitions(cfg)
	}
	upp := cfg.Partitions()
	out := make([]uint64, upp)
	for i := 1; i <= upp; i++ {
		out[i-1] = quantile(samples, float64(i)/float64(cfg.Levels))
	}
	return out
}

// quantile computes the p-th quantile (0 <= p <= 1) of the sorted samples
// slice, using linear interpolation between the two nearest order
// statistics (spec.md §4.7 "Quantile exactness").
func quantile(sorted []uint64, p float64) uint64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(pos)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	a, b := float64(sorted[lo]), float64(sorted[lo+1])
	return uint64(a + frac*(b-a))
}
