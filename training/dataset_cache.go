package training

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-adversarial/tensor"
)

type cachedSample struct {
	index int
	image *tensor.Tensor
	label *tensor.Tensor
}

// CachedDataset keeps the most recently used samples of a Dataset in
// memory. It suits datasets whose Get is expensive, such as ones that
// render or decode every sample. Cached samples are shared, so callers must
// not modify them.
type CachedDataset struct {
	dataset Dataset

	mu      sync.Mutex
	entries map[int]*list.Element
	lru     *list.List
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCachedDataset caches up to maxSize samples of dataset.
func NewCachedDataset(dataset Dataset, maxSize int) (*CachedDataset, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive: %d", maxSize)
	}
	return &CachedDataset{
		dataset: dataset,
		entries: make(map[int]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}, nil
}

func (cd *CachedDataset) Len() int {
	return cd.dataset.Len()
}

// Get returns sample idx from the cache, loading it on a miss.
func (cd *CachedDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	cd.mu.Lock()
	if elem, ok := cd.entries[idx]; ok {
		cd.lru.MoveToFront(elem)
		cd.hits++
		s := elem.Value.(*cachedSample)
		cd.mu.Unlock()
		return s.image, s.label, nil
	}
	cd.misses++
	cd.mu.Unlock()

	image, label, err := cd.dataset.Get(idx)
	if err != nil {
		return nil, nil, err
	}

	cd.mu.Lock()
	defer cd.mu.Unlock()
	if _, ok := cd.entries[idx]; !ok {
		cd.entries[idx] = cd.lru.PushFront(&cachedSample{index: idx, image: image, label: label})
		for cd.lru.Len() > cd.maxSize {
			oldest := cd.lru.Back()
			cd.lru.Remove(oldest)
			delete(cd.entries, oldest.Value.(*cachedSample).index)
		}
	}
	return image, label, nil
}

// Clear drops every cached sample. Statistics are cumulative and survive.
func (cd *CachedDataset) Clear() {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.entries = make(map[int]*list.Element)
	cd.lru = list.New()
}

// Stats returns cache statistics
func (cd *CachedDataset) Stats() CacheStats {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	stats := CacheStats{Size: cd.lru.Len(), MaxSize: cd.maxSize, Hits: cd.hits, Misses: cd.misses}
	if total := cd.hits + cd.misses; total > 0 {
		stats.HitRate = float64(cd.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
