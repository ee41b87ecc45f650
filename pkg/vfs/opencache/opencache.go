// Package opencache implements the VFS core's open-file cache: concurrent
// opens of the same handle are coalesced into one backend open
// ("single-flight"), open handles are reference-counted, and handles with
// no outstanding references are reclaimed by an idle-timeout LRU sweep.
//
// Grounded on pkg/cache/eviction.go's two-level locking idiom (a global
// RWMutex guarding the entry map, plus a per-entry mutex guarding that
// entry's own state) and its snapshot-sort-evict sweep shape, adapted here
// from payload-block eviction to whole-handle idle reclaim.
package opencache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chimera-nas/vfscore/pkg/metrics"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
)

// ErrClosed is returned by Open when the cache has been shut down.
var ErrClosed = errors.New("opencache: closed")

// OpenFunc performs the actual backend open. It is called at most once per
// concurrently-opened handle; concurrent Open callers for the same handle
// share its result.
type OpenFunc func(ctx context.Context) (state any, err error)

// CloseFunc releases backend state previously produced by an OpenFunc, when
// the cache reclaims an idle entry.
type CloseFunc func(ctx context.Context, state any)

type entry struct {
	mu         sync.Mutex
	handle     fh.Handle
	state      any
	closeFn    CloseFunc
	refCount   int
	lastAccess time.Time
	closing    bool
	ready      chan struct{} // closed once the single-flight open completes
	openErr    error
	closeWait  chan struct{} // closed once a concurrent close finishes
}

// Cache is the open-file cache.
type Cache struct {
	globalMu sync.RWMutex
	entries  map[string]*entry

	idleTimeout time.Duration
	maxOpen     int
	closed      bool
	metrics     metrics.VFSMetrics
}

// New returns an open-file cache that reclaims entries idle past
// idleTimeout. A zero idleTimeout disables Sweep's idle reclamation (entries
// are then removed only by capacity eviction when maxOpen is reached).
// maxOpen bounds the number of live entries
// (spec.md §8: submitting more than max_open_files opens evicts idle
// entries by LRU, never live ones, and fails with NOSPC once no idle entry
// remains to evict); maxOpen <= 0 means unbounded. m may be nil to disable
// metrics collection with zero overhead.
func New(idleTimeout time.Duration, maxOpen int, m metrics.VFSMetrics) *Cache {
	return &Cache{
		entries:     make(map[string]*entry),
		idleTimeout: idleTimeout,
		maxOpen:     maxOpen,
		metrics:     m,
	}
}

func key(h fh.Handle) string {
	return string(h.Encode())
}

// Handle is a live reference into the cache. Callers must call Release
// exactly once when done.
type Handle struct {
	cache *Cache
	entry *entry
	State any
}

// Open returns a Handle for h, invoking openFn at most once even if many
// goroutines call Open for the same handle concurrently.
func (c *Cache) Open(ctx context.Context, h fh.Handle, openFn OpenFunc, closeFn CloseFunc) (*Handle, error) {
	for {
		c.globalMu.Lock()
		if c.closed {
			c.globalMu.Unlock()
			return nil, ErrClosed
		}

		k := key(h)
		e, ok := c.entries[k]
		if ok && e.closing {
			wait := e.closeWait
			c.globalMu.Unlock()
			<-wait
			continue
		}

		isNew := !ok
		if isNew && c.maxOpen > 0 && len(c.entries) >= c.maxOpen {
			c.globalMu.Unlock()
			if !c.evictOneIdle(ctx) {
				return nil, vfserrors.New("opencache.open", vfserrors.NOSPC)
			}
			continue
		}

		if isNew {
			e = &entry{
				handle:  h,
				closeFn: closeFn,
				ready:   make(chan struct{}),
			}
			c.entries[k] = e
		}
		c.globalMu.Unlock()

		if c.metrics != nil {
			if isNew {
				c.metrics.RecordOpenCacheMiss()
			} else {
				c.metrics.RecordOpenCacheHit()
			}
		}

		if isNew {
			state, err := openFn(ctx)
			e.mu.Lock()
			e.state = state
			e.openErr = err
			e.mu.Unlock()
			close(e.ready)

			if err != nil {
				c.globalMu.Lock()
				delete(c.entries, k)
				c.globalMu.Unlock()
				return nil, err
			}
		} else {
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.openErr != nil {
				return nil, e.openErr
			}
		}

		e.mu.Lock()
		if e.closing {
			e.mu.Unlock()
			continue
		}
		e.refCount++
		e.lastAccess = time.Now()
		state := e.state
		e.mu.Unlock()

		if c.metrics != nil && isNew {
			c.metrics.RecordOpenFiles(c.Len())
		}

		return &Handle{cache: c, entry: e, State: state}, nil
	}
}

// Release drops the caller's reference to the handle. Once the refcount
// reaches zero, the entry becomes eligible for idle reclamation but is not
// immediately closed.
func (h *Handle) Release() {
	h.entry.mu.Lock()
	h.entry.refCount--
	h.entry.lastAccess = time.Now()
	h.entry.mu.Unlock()
}

// Sweep reclaims entries with zero references that have been idle past the
// cache's idleTimeout, invoking each one's CloseFunc. It mirrors
// evictLRUToTarget's snapshot-then-act shape: access times are read under
// minimal locking, sorted oldest first, then each candidate is re-validated
// and evicted individually so a sweep never holds the global lock while
// calling out to a backend.
func (c *Cache) Sweep(ctx context.Context) int {
	if c.idleTimeout <= 0 {
		return 0
	}

	type candidate struct {
		key        string
		lastAccess time.Time
	}

	c.globalMu.RLock()
	candidates := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		e.mu.Lock()
		if e.refCount == 0 && !e.closing {
			candidates = append(candidates, candidate{k, e.lastAccess})
		}
		e.mu.Unlock()
	}
	c.globalMu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	now := time.Now()
	reclaimed := 0
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return reclaimed
		}
		if now.Sub(cand.lastAccess) < c.idleTimeout {
			continue
		}
		if c.reclaim(ctx, cand.key) {
			reclaimed++
		}
	}
	return reclaimed
}

// evictOneIdle reclaims the single oldest idle (zero-refcount) entry, the
// LRU step Open takes when the cache is at maxOpen capacity and a new
// handle needs a slot (spec.md §8). Returns false if every entry currently
// has a live reference, meaning no room can be made without evicting a
// live handle, which this cache never does.
func (c *Cache) evictOneIdle(ctx context.Context) bool {
	c.globalMu.RLock()
	var oldestKey string
	var oldestAccess time.Time
	found := false
	for k, e := range c.entries {
		e.mu.Lock()
		idle := e.refCount == 0 && !e.closing
		access := e.lastAccess
		e.mu.Unlock()
		if !idle {
			continue
		}
		if !found || access.Before(oldestAccess) {
			oldestKey, oldestAccess, found = k, access, true
		}
	}
	c.globalMu.RUnlock()
	if !found {
		return false
	}
	return c.reclaim(ctx, oldestKey)
}

func (c *Cache) reclaim(ctx context.Context, k string) bool {
	c.globalMu.Lock()
	e, ok := c.entries[k]
	if !ok {
		c.globalMu.Unlock()
		return false
	}
	e.mu.Lock()
	if e.refCount != 0 || e.closing {
		e.mu.Unlock()
		c.globalMu.Unlock()
		return false
	}
	e.closing = true
	e.closeWait = make(chan struct{})
	delete(c.entries, k)
	e.mu.Unlock()
	c.globalMu.Unlock()

	if e.closeFn != nil {
		e.closeFn(ctx, e.state)
	}
	close(e.closeWait)
	if c.metrics != nil {
		c.metrics.RecordOpenFiles(c.Len())
	}
	return true
}

// Len returns the number of entries currently tracked, open or idle.
func (c *Cache) Len() int {
	c.globalMu.RLock()
	defer c.globalMu.RUnlock()
	return len(c.entries)
}

// Close shuts the cache down, closing every entry regardless of its
// refcount or idle time. Intended for server shutdown, not steady-state use.
func (c *Cache) Close(ctx context.Context) {
	c.globalMu.Lock()
	c.closed = true
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.globalMu.Unlock()

	for _, k := range keys {
		c.globalMu.Lock()
		e, ok := c.entries[k]
		if !ok {
			c.globalMu.Unlock()
			continue
		}
		delete(c.entries, k)
		c.globalMu.Unlock()

		if e.closeFn != nil {
			e.closeFn(ctx, e.state)
		}
	}
}
