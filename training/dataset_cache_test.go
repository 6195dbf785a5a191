package training

import (
	"sync"
	"testing"

	"github.com/tsawler/go-adversarial/tensor"
)

// countingDataset counts Get calls per index.
type countingDataset struct {
	Dataset
	mu    sync.Mutex
	loads map[int]int
}

func (d *countingDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	d.mu.Lock()
	d.loads[idx]++
	d.mu.Unlock()
	return d.Dataset.Get(idx)
}

func newCountingBlobs(t *testing.T, n int) *countingDataset {
	t.Helper()
	blobs, err := NewBlobDataset(n, 4, 4, 7)
	if err != nil {
		t.Fatalf("NewBlobDataset failed: %v", err)
	}
	return &countingDataset{Dataset: blobs, loads: make(map[int]int)}
}

func TestNewCachedDataset(t *testing.T) {
	if _, err := NewCachedDataset(nil, 4); err == nil {
		t.Error("expected error for nil dataset")
	}
	if _, err := NewCachedDataset(newCountingBlobs(t, 2), 0); err == nil {
		t.Error("expected error for zero size")
	}
}

func TestCachedDataset(t *testing.T) {
	base := newCountingBlobs(t, 4)
	cd, err := NewCachedDataset(base, 2)
	if err != nil {
		t.Fatalf("NewCachedDataset failed: %v", err)
	}
	if cd.Len() != 4 {
		t.Errorf("Len() = %d, want 4", cd.Len())
	}

	first, _, err := cd.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	again, _, _ := cd.Get(0)
	if first != again {
		t.Error("a hit should return the cached tensor")
	}
	if base.loads[0] != 1 {
		t.Errorf("index 0 loaded %d times, want 1", base.loads[0])
	}

	// With room for two samples, loading 1 and 2 evicts 0.
	cd.Get(1)
	cd.Get(2)
	cd.Get(0)
	if base.loads[0] != 2 {
		t.Errorf("evicted index 0 loaded %d times, want 2", base.loads[0])
	}

	stats := cd.Stats()
	if stats.Size != 2 || stats.Hits != 1 || stats.Misses != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.HitRate != 20 {
		t.Errorf("HitRate = %f, want 20", stats.HitRate)
	}
	if got := stats.String(); got != "Cache: 2/2 items, Hits: 1, Misses: 4, Hit Rate: 20.0%" {
		t.Errorf("String() = %q", got)
	}

	if _, _, err := cd.Get(9); err == nil {
		t.Error("expected error for out of range index")
	}

	cd.Clear()
	if s := cd.Stats(); s.Size != 0 || s.Hits != 1 {
		t.Errorf("Clear should empty the cache and keep statistics, got %+v", s)
	}
}

func TestCachedDatasetConcurrent(t *testing.T) {
	base := newCountingBlobs(t, 8)
	cd, _ := NewCachedDataset(base, 8)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				if _, _, err := cd.Get(i); err != nil {
					t.Errorf("Get(%d) failed: %v", i, err)
				}
			}
		}()
	}
	wg.Wait()

	if s := cd.Stats(); s.Size != 8 || s.Hits+s.Misses != 32 {
		t.Errorf("unexpected stats %+v", s)
	}
}
