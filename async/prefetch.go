// Package async overlaps batch loading with training. A Prefetcher reads
// ahead from any engine.DataSource on a background goroutine so the next
// batch is usually ready when the engine asks for it.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tsawler/go-adversarial/engine"
)

// ErrStopped is returned by Next after Stop until the next Reset.
var ErrStopped = errors.New("prefetcher has been stopped")

type result struct {
	batch any
	err   error
}

// PrefetcherConfig holds configuration for the prefetcher
type PrefetcherConfig struct {
	PrefetchDepth int // Number of batches to read ahead (default: 3)
}

// Prefetcher wraps a DataSource and reads ahead on a single worker, so
// batches keep the order of the wrapped source.
type Prefetcher struct {
	source engine.DataSource
	depth  int

	mutex   sync.Mutex
	batches chan result
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	stopped bool

	// Statistics. produced is updated by the worker without the mutex,
	// which Reset holds while waiting for the worker to exit.
	produced   atomic.Uint64
	generation uint64
}

// NewPrefetcher creates a prefetcher over source. The worker starts on the
// first call to Next.
func NewPrefetcher(source engine.DataSource, config PrefetcherConfig) (*Prefetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	return &Prefetcher{source: source, depth: config.PrefetchDepth}, nil
}

// Len returns the length of the wrapped source.
func (p *Prefetcher) Len() int {
	return p.source.Len()
}

// Reset stops the worker, drops every batch read ahead and rewinds the
// wrapped source.
func (p *Prefetcher) Reset() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.stopLocked()
	p.stopped = false
	p.generation++
	return p.source.Reset()
}

// Next returns the next batch of the wrapped source, waiting for the worker
// if it has not produced one yet.
func (p *Prefetcher) Next(ctx context.Context) (any, bool, error) {
	p.mutex.Lock()
	if p.stopped {
		p.mutex.Unlock()
		return nil, false, ErrStopped
	}
	if !p.running {
		p.startLocked()
	}
	batches := p.batches
	p.mutex.Unlock()

	select {
	case r, ok := <-batches:
		if !ok {
			return nil, false, nil
		}
		if r.err != nil {
			return nil, false, r.err
		}
		return r.batch, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Stop ends the worker. Next fails with ErrStopped until Reset is called.
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stopLocked()
	p.stopped = true
}

func (p *Prefetcher) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.batches = make(chan result, p.depth)
	p.running = true

	p.wg.Add(1)
	go p.worker(ctx, p.batches)
}

func (p *Prefetcher) stopLocked() {
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
}

// worker reads the source until it is exhausted, fails or the prefetcher
// stops. The channel is closed on exit so a waiting Next never hangs.
func (p *Prefetcher) worker(ctx context.Context, out chan<- result) {
	defer p.wg.Done()
	defer close(out)

	for {
		batch, ok, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- result{err: fmt.Errorf("prefetch failed: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		if !ok {
			return
		}

		select {
		case out <- result{batch: batch}:
			p.produced.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats := PrefetcherStats{
		IsRunning:       p.running,
		BatchesProduced: p.produced.Load(),
		QueueCapacity:   p.depth,
		Generation:      p.generation,
	}
	if p.batches != nil {
		stats.QueuedBatches = len(p.batches)
	}
	return stats
}

// PrefetcherStats provides statistics about the prefetcher
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Generation      uint64 // Number of resets
}
