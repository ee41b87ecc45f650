// Package module defines the backend module contract: the Go equivalent of
// the VFS core's vtable ABI. Backend modules implement Module and register
// themselves at init() time; the core binds modules statically rather than
// dlopen-ing shared objects (see SPEC_FULL.md §9).
package module

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

// Capabilities advertises what a module supports, so the dispatcher and
// protocol front-ends can make cheap decisions without calling Dispatch
// (spec.md §4.1's capabilities bitmask).
type Capabilities struct {
	ReadOnly      bool
	CaseSensitive bool
	MaxNameLen    int
	MaxPathLen    int

	// RequiresOpen reports whether READ, WRITE, and COMMIT need a prior
	// OPEN on the target handle. When true, the dispatcher transparently
	// wraps those verbs in an open/op/close continuation through the
	// open-file cache (spec.md §4.3 step 5) instead of calling Dispatch
	// directly; when false (e.g. a backend with no per-open state to
	// hold), the verb is dispatched as a bare one-shot call.
	RequiresOpen bool
	// SupportsDelegations reports whether the module can grant leases on
	// open handles it issues.
	SupportsDelegations bool
	// HonorsFsync reports whether COMMIT durably flushes the module's
	// backing store rather than being a no-op.
	HonorsFsync bool
	// CursorBasedListing reports whether READDIR cookies are opaque
	// backend cursors (valid only for resuming that exact listing) as
	// opposed to simple positional offsets.
	CursorBasedListing bool
}

// ThreadState is opaque per-thread module state, returned by ThreadInit and
// threaded back through Dispatch/Watchdog/ThreadDestroy. Modules that need
// no per-thread state may return nil.
type ThreadState any

// Module is the interface every backend implements. Method names mirror the
// vtable slots from spec.md §4.1/§6: init/destroy/thread_init/thread_destroy/
// dispatch/watchdog/fh_magic/capabilities.
type Module interface {
	// Init prepares module-global state from its configuration blob.
	Init(ctx context.Context, cfg json.RawMessage) error
	// Destroy releases module-global state. Called only once all threads
	// have called ThreadDestroy and no live handles reference the module.
	Destroy(ctx context.Context) error

	// ThreadInit prepares this module's per-thread state for one VFS
	// thread's lifetime.
	ThreadInit(ctx context.Context) (ThreadState, error)
	ThreadDestroy(ctx context.Context, ts ThreadState) error

	// Dispatch executes req against ts and returns a Result. Implementations
	// must not block past req.Deadline; see pkg/vfs/errors TIMEDOUT.
	Dispatch(ctx context.Context, ts ThreadState, req *request.Request) *request.Result

	// Watchdog is invoked periodically per thread so a module can expire
	// its own resources (e.g. cached file descriptors) without a dedicated
	// goroutine per module.
	Watchdog(ctx context.Context, ts ThreadState)

	// FhMagic returns the module_tag byte this module stamps into file
	// handles it issues.
	FhMagic() byte

	// RootPayload returns the backend-specific handle payload that names
	// this module's root object, so rootfs can synthesize a handle to a
	// freshly mounted backend's root without knowing that backend's
	// internal encoding (spec.md §4.2: every mount exposes exactly one
	// root object).
	RootPayload() []byte

	Capabilities() Capabilities
}

// Factory constructs a fresh Module instance. Modules register a Factory,
// not a Module, so each mount of the same module family gets independent
// state.
type Factory func() Module

var (
	mu       sync.RWMutex
	registry = map[byte]namedFactory{}
)

type namedFactory struct {
	name    string
	factory Factory
}

// Register records a module family under tag, to be constructed on demand
// by the core. Intended to be called from a backend package's init().
// Panics on a duplicate tag, since that indicates two backend packages were
// compiled in with conflicting module_tag values — a build-time defect, not
// a runtime condition.
func Register(tag byte, name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if existing, ok := registry[tag]; ok {
		panic(fmt.Sprintf("module: tag %d already registered to %q, cannot register %q", tag, existing.name, name))
	}
	registry[tag] = namedFactory{name: name, factory: factory}
}

// New constructs a fresh Module instance for tag, or reports false if no
// backend registered that tag.
func New(tag byte) (Module, string, bool) {
	mu.RLock()
	nf, ok := registry[tag]
	mu.RUnlock()
	if !ok {
		return nil, "", false
	}
	return nf.factory(), nf.name, true
}

// Names returns the set of registered module names keyed by tag, for
// diagnostics and configuration validation.
func Names() map[byte]string {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[byte]string, len(registry))
	for tag, nf := range registry {
		out[tag] = nf.name
	}
	return out
}
