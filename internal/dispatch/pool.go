package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolStopped = errors.New("dispatch pool stopped")
	ErrQueueFull   = errors.New("dispatch pool queue full")
	ErrStopTimeout = errors.New("timeout waiting for dispatch workers")
)

// Pool runs jobs of type T on a fixed set of workers fed by a bounded queue.
// Submit never blocks: a full queue rejects the job. Jobs submitted before
// Start wait in the queue for the workers.
type Pool[T any] struct {
	workers int
	process func(context.Context, T) error

	work chan T
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
}

// NewPool returns a pool that queues jobs but runs none until Start.
// workers and queueSize default to 1 and 256.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool[T]{workers: workers, process: process, work: make(chan T, queueSize)}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *Pool[T]) Submit(job T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.work <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for queued jobs to finish.
// A pool that never started discards its queue.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueDepth: len(p.work),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.work:
			if !ok {
				return
			}
			if err := p.process(ctx, job); err != nil {
				p.failed.Add(1)
			}
			p.processed.Add(1)
		}
	}
}
