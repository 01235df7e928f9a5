// Package effects runs non-critical side effects off the response path.
//
// Execution is at-most-once and best effort. An effect that is dropped
// because the queue is full, or lost because the process exits before a
// worker reaches it, is never retried.
package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults used when New is given non-positive sizes.
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256

	slowEffect = 500 * time.Millisecond
)

// ErrClosed is returned by Close when the runner was already closed.
var ErrClosed = errors.New("effects runner closed")

// Effect is a side effect. ctx is cancelled when the runner is shut down
// before the effect finishes.
type Effect func(ctx context.Context) error

type job struct {
	name string
	fn   Effect
	at   time.Time
}

// Stats is a snapshot of runner counters.
type Stats struct {
	Workers   int    `json:"workers"`
	Depth     int    `json:"queue_depth"`
	Capacity  int    `json:"queue_capacity"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Runner is a fixed pool of workers reading from a bounded queue.
type Runner struct {
	queue   chan job
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool

	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New starts a runner with the given worker count and queue capacity.
func New(workers, queueSize int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		queue:   make(chan job, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	r.wg.Add(workers)
	for i := range workers {
		go r.work(i)
	}
	return r
}

// Enqueue schedules fn without blocking. It returns false when the effect
// was dropped because the queue is full or the runner is closed.
func (r *Runner) Enqueue(name string, fn Effect) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		r.logger.Warn("[EFFECTS] Runner closed, dropping effect", "effect", name)
		return false
	}

	select {
	case r.queue <- job{name: name, fn: fn, at: time.Now()}:
		r.enqueued.Add(1)
		r.logger.Debug("[EFFECTS] Effect queued",
			"effect", name,
			"queue_depth", len(r.queue))
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn("[EFFECTS] Queue full, dropping effect",
			"effect", name,
			"queue_depth", len(r.queue),
			"queue_capacity", cap(r.queue))
		return false
	}
}

// Depth returns the number of effects waiting for a worker.
func (r *Runner) Depth() int {
	return len(r.queue)
}

// Stats returns the current counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Workers:   r.workers,
		Depth:     len(r.queue),
		Capacity:  cap(r.queue),
		Enqueued:  r.enqueued.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func (r *Runner) work(id int) {
	defer r.wg.Done()
	for j := range r.queue {
		if r.ctx.Err() != nil {
			r.dropped.Add(1)
			continue
		}
		r.run(id, j)
	}
}

func (r *Runner) run(id int, j job) {
	start := time.Now()
	err := r.call(j)
	duration := time.Since(start)

	if err != nil {
		r.failed.Add(1)
		r.logger.Error("[EFFECTS] Effect failed",
			"effect", j.name,
			"worker", id,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return
	}
	r.completed.Add(1)
	if duration > slowEffect {
		r.logger.Warn("[EFFECTS] Slow effect",
			"effect", j.name,
			"worker", id,
			"waited_ms", start.Sub(j.at).Milliseconds(),
			"duration_ms", duration.Milliseconds())
	}
}

func (r *Runner) call(j job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("effect %s panicked: %v", j.name, p)
		}
	}()
	return j.fn(r.ctx)
}

// Close stops accepting effects and waits for queued ones to finish. When
// ctx ends first, running effects are cancelled and the rest of the queue
// is abandoned.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.logger.Info("[EFFECTS] Closing", "queue_remaining", len(r.queue))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("[EFFECTS] Drained", "completed", r.completed.Load(), "failed", r.failed.Load())
		return nil
	case <-ctx.Done():
		r.cancel()
		r.logger.Warn("[EFFECTS] Shutdown timeout, abandoning queued effects", "count", len(r.queue))
		return fmt.Errorf("drain effects: %w", ctx.Err())
	}
}
