// Package thread implements the VFS core's per-thread execution model: a
// single goroutine running a cooperative event loop (spec.md §4.5/§5), plus
// the per-thread backend module state each VFS thread owns so a module
// never has to synchronize across threads for its hot path.
package thread

import (
	"context"
	"fmt"
	"sync"

	"github.com/chimera-nas/vfscore/pkg/vfs/module"
)

// Job is a unit of work a Thread runs on its own goroutine. Jobs must not
// block; blocking work belongs in pkg/vfs/delegation instead (spec.md §5:
// "no preemption within a thread; work yields only at explicit suspension
// points").
type Job func(ctx context.Context)

// Thread is one VFS thread: a goroutine draining a work queue, plus the
// per-thread state of every backend module instance it has touched.
type Thread struct {
	ID int

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job
	done   chan struct{}

	mu           sync.Mutex
	moduleStates map[*module.Instance]module.ThreadState
}

// New constructs a Thread with the given submission queue depth. Call Run
// to start its goroutine.
func New(id int, queueDepth int) *Thread {
	ctx, cancel := context.WithCancel(context.Background())
	return &Thread{
		ID:           id,
		ctx:          ctx,
		cancel:       cancel,
		jobs:         make(chan Job, queueDepth),
		done:         make(chan struct{}),
		moduleStates: make(map[*module.Instance]module.ThreadState),
	}
}

// Run starts the thread's event loop goroutine. It returns once the loop
// has exited (on Stop), so callers typically invoke it with `go t.Run()`.
func (t *Thread) Run() {
	defer close(t.done)
	for {
		select {
		case job, ok := <-t.jobs:
			if !ok {
				return
			}
			job(t.ctx)
		case <-t.ctx.Done():
			for job := range t.jobs {
				job(t.ctx)
			}
			return
		}
	}
}

// Submit enqueues job to run on this thread's goroutine. It never blocks
// the caller past the queue's capacity; a full queue is backpressure, not
// an error path the caller must special-case beyond waiting.
func (t *Thread) Submit(job Job) {
	select {
	case t.jobs <- job:
	case <-t.ctx.Done():
	}
}

// Stop signals the event loop to exit after draining jobs already
// submitted, then waits for it to do so.
func (t *Thread) Stop() {
	t.cancel()
	close(t.jobs)
	<-t.done
}

// ModuleState returns this thread's per-thread state for inst, calling
// inst.Module.ThreadInit the first time this thread touches that instance.
func (t *Thread) ModuleState(ctx context.Context, inst *module.Instance) (module.ThreadState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts, ok := t.moduleStates[inst]; ok {
		return ts, nil
	}
	ts, err := inst.Module.ThreadInit(ctx)
	if err != nil {
		return nil, fmt.Errorf("thread %d: module %s ThreadInit: %w", t.ID, inst.Name, err)
	}
	t.moduleStates[inst] = ts
	return ts, nil
}

// TeardownModules calls ThreadDestroy on every module instance this thread
// has initialized state for. Intended to run just before Stop drains the
// last job.
func (t *Thread) TeardownModules(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for inst, ts := range t.moduleStates {
		_ = inst.Module.ThreadDestroy(ctx, ts)
		delete(t.moduleStates, inst)
	}
}
