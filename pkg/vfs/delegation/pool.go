// Package delegation implements the bounded worker pool that VFS threads
// hand blocking work off to, so a cooperative per-thread event loop (see
// pkg/vfs/thread) never calls something that might block the whole thread.
//
// Grounded on the teacher's background-sweep goroutine idiom (a long-lived
// goroutine draining a work channel), generalized here to N worker
// goroutines draining a single shared submission channel, with per-caller
// completion delivered over a dedicated channel so submitters never block
// on each other's results.
package delegation

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Submit after the pool has been stopped.
var ErrStopped = errors.New("delegation: pool stopped")

// Task is a unit of blocking work.
type Task func(ctx context.Context) any

type job struct {
	ctx    context.Context
	task   Task
	result chan any
}

// Pool is a bounded set of worker goroutines.
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New starts a Pool with the given number of workers and submission queue
// depth.
func New(workers, queueDepth int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	p := &Pool{jobs: make(chan job, queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.result <- j.task(j.ctx)
	}
}

// Submit enqueues task and blocks until it has run, returning its result.
// It respects ctx cancellation both while queued and while the caller
// waits for completion; the task itself, once started, always runs to
// completion (delegation is cooperative, not preemptive — see spec.md §9's
// cancellation-propagation note).
func (p *Pool) Submit(ctx context.Context, task Task) (any, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j := job{ctx: ctx, task: task, result: make(chan any, 1)}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.result:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueDepth returns the number of jobs currently queued, waiting for a
// free worker.
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// Stop closes the submission queue and waits for in-flight and queued work
// to drain. No further Submit calls are accepted once Stop has been
// called.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()
}
