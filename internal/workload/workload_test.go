package workload

import (
	"context"
	"testing"
)

func TestUniformBeforeMinSamples(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	m := New(ctx, cfg)
	got := m.Update(ctx, 500)
	want := uniformPartitions(cfg)
	if len(got) != len(want) {
		t.Fatalf("expected %d partitions, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("partition %d: want %d got %d", i, want[i], got[i])
		}
	}
}

func TestPartitionVectorMonotone(t *testing.T) {
	ctx := context.Background()
	m := New(ctx, DefaultConfig())
	var last []uint64
	for i := uint64(1); i <= 200; i++ {
		last = m.Update(ctx, i*37)
		for j := 1; j < len(last); j++ {
			if last[j] < last[j-1] {
				t.Fatalf("partition vector not monotone at sample %d: %v", i, last)
			}
		}
	}
}

// TestQuantileExactness mirrors spec.md §8 scenario 6: feed lengths
// 100..10000 step 100 (100 samples) and check each partition against the
// interpolated i/U order statistic.
func TestQuantileExactness(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	m := New(ctx, cfg)
	samples := make([]uint64, 0, 100)
	var got []uint64
	for i := uint64(1); i <= 100; i++ {
		length := i * 100
		samples = insertSorted(samples, length)
		got = m.Update(ctx, length)
	}
	for i := 1; i <= cfg.Partitions(); i++ {
		want := quantile(samples, float64(i)/float64(cfg.Levels))
		if got[i-1] != want {
			t.Errorf("partition[%d]: want %d got %d", i-1, want, got[i-1])
		}
	}
}

func TestGetDoesNotRecordSample(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MinSamples = 2
	m := New(ctx, cfg)
	before := m.Get(ctx)
	after := m.Get(ctx)
	if len(before) != len(after) {
		t.Fatal("partition vector length changed without any Update call")
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("Get mutated state: %v vs %v", before, after)
		}
	}
}
