// Package workpool provides a bounded task pool for CPU-heavy work and
// fire-and-forget background writes (batch clustering math, metric recording).
// The pool's lifetime is bound to the process: once Stop begins, Submit
// refuses new work so shutdown never spawns fresh background writes.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrShuttingDown is returned by Submit after Stop has been called.
var ErrShuttingDown = errors.New("workpool: shutting down")

// ErrQueueFull is returned by Submit when the task queue is at capacity.
var ErrQueueFull = errors.New("workpool: queue full")

type task struct {
	name string
	fn   func(ctx context.Context)
}

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	tasks    chan task
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a pool with workers goroutines and a task queue of depth queue.
func New(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	return &Pool{
		tasks:  make(chan task, queue),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines. Workers stop when ctx is cancelled or
// Stop is called, whichever comes first.
func (p *Pool) Start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	slog.Info("Work pool started", "workers", workers, "queue", cap(p.tasks))
}

// Submit enqueues a task. It never blocks: a full queue or a stopping pool is
// reported as an error so callers can decide to drop or retry.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrShuttingDown
	}

	select {
	case p.tasks <- task{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// Stop refuses further submissions, drains queued tasks, and waits for the
// workers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Work pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.exec(ctx, id, t)
		case <-p.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case t := <-p.tasks:
					p.exec(ctx, id, t)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) exec(ctx context.Context, id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Work pool task panicked", "worker", id, "task", t.name, "panic", r)
		}
	}()
	t.fn(ctx)
}
