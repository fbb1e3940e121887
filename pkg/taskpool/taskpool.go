// Package taskpool provides a fixed-size worker pool with a bounded queue.
// Submission is non-blocking: when the queue is full the task is rejected and
// the caller decides whether that matters.
package taskpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	name  string
	tasks chan func()
	wg    sync.WaitGroup

	// mu guards the submit-vs-close race on the task channel.
	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// New starts a pool with the given worker count and queue capacity.
func New(name string, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name:  name,
		tasks: make(chan func(), queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			slog.Error("Task panicked", "pool", p.name, "panic", r)
		}
	}()
	task()
	p.completed.Add(1)
}

// Submit enqueues a task. Returns false when the queue is full or the pool is
// shut down.
func (p *Pool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return false
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued work to drain, or for
// ctx to expire, whichever comes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports pool counters for the health endpoint.
func (p *Pool) Stats() map[string]any {
	return map[string]any{
		"queued":    len(p.tasks),
		"submitted": p.submitted.Load(),
		"completed": p.completed.Load(),
		"rejected":  p.rejected.Load(),
		"panics":    p.panics.Load(),
	}
}
