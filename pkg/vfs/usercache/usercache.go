// Package usercache implements the VFS core's user/credential cache.
//
// Grounded directly on original_source/src/vfs/vfs_user_cache.h: a pair of
// hash tables (by username and by uid) so a lookup by either key is O(1),
// a pinned/"builtin" entry list that never expires, and a background sweep
// that expires non-pinned entries after a TTL. The original uses RCU
// (call_rcu) for lock-free reads with deferred reclamation; Go has no
// equivalent primitive, so each bucket is instead guarded by its own
// sync.RWMutex. That gives the same externally observable guarantee the
// original relies on — a reader never sees a half-removed entry — without
// unsafe memory reuse.
//
// Lock ordering is preserved from the original: whenever both a name bucket
// and a uid bucket must be held, the name bucket is always locked first, to
// avoid deadlocking against the expiry sweep.
//
// Implements every operation spec.md §4.7 lists: add (Add), remove (Remove),
// lookup_by_name/lookup_by_uid (ByUsername/ByUID), lookup_by_gid
// (LookupByGID, an iter.Seq[Entry]), and the is_member(uid, gid) convenience
// (IsMember).
package usercache

import (
	"iter"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTTL matches the original implementation's 60-second expiry sweep
// interval.
const DefaultTTL = 60 * time.Second

const defaultNumBuckets = 64

// Entry is one cached user record (spec.md §3: "(username, uid, gid,
// supplementary-gids, unix-password-hash, smb-password-hash, sid, pinned?,
// expiration)").
type Entry struct {
	Username         string
	UID              uint32
	GID              uint32
	Gids             []uint32 // supplementary gids
	UnixPasswordHash []byte   // crypt(3)-style password hash, for NFS AUTH_SYS-adjacent checks
	SMBPasswordHash  []byte   // NT hash, for SMB authentication
	SID              string   // Windows SID string (S-1-5-21-...)
	Pinned           bool     // builtin entries never expire

	expiresAt time.Time
}

type bucket struct {
	mu      sync.RWMutex
	byName  map[string]*Entry
	byUID   map[uint32]*Entry
}

// Cache is the dual hash-table user/credential cache.
type Cache struct {
	ttl         time.Duration
	nameBuckets []*bucket
	uidBuckets  []*bucket

	builtinMu sync.RWMutex
	builtins  []*Entry

	stop chan struct{}
	done chan struct{}
}

// New constructs a Cache with the given TTL. A zero ttl uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:         ttl,
		nameBuckets: make([]*bucket, defaultNumBuckets),
		uidBuckets:  make([]*bucket, defaultNumBuckets),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i := range c.nameBuckets {
		c.nameBuckets[i] = &bucket{byName: make(map[string]*Entry), byUID: make(map[uint32]*Entry)}
	}
	for i := range c.uidBuckets {
		c.uidBuckets[i] = &bucket{byName: make(map[string]*Entry), byUID: make(map[uint32]*Entry)}
	}
	return c
}

func (c *Cache) nameBucket(name string) *bucket {
	return c.nameBuckets[xxhash.Sum64String(name)%uint64(len(c.nameBuckets))]
}

func (c *Cache) uidBucket(uid uint32) *bucket {
	return c.uidBuckets[uint64(uid)%uint64(len(c.uidBuckets))]
}

// Add inserts or updates an entry. If an entry with the same username
// already exists, its fields are replaced but its Pinned status is
// preserved if either the old or new entry was pinned — a pin, once set,
// is never silently dropped by a refreshing lookup.
func (c *Cache) Add(e Entry) {
	e.expiresAt = time.Now().Add(c.ttl)

	nb := c.nameBucket(e.Username)
	nb.mu.Lock()
	if existing, ok := nb.byName[e.Username]; ok && existing.Pinned {
		e.Pinned = true
	}
	stored := e
	nb.byName[e.Username] = &stored
	nb.mu.Unlock()

	ub := c.uidBucket(e.UID)
	ub.mu.Lock()
	ub.byUID[e.UID] = &stored
	ub.mu.Unlock()

	if e.Pinned {
		c.builtinMu.Lock()
		c.builtins = append(c.builtins, &stored)
		c.builtinMu.Unlock()
	}
}

// ByUsername returns the cached entry for username, if present and not
// expired.
func (c *Cache) ByUsername(username string) (Entry, bool) {
	nb := c.nameBucket(username)
	nb.mu.RLock()
	defer nb.mu.RUnlock()

	e, ok := nb.byName[username]
	if !ok {
		return Entry{}, false
	}
	if !e.Pinned && time.Now().After(e.expiresAt) {
		return Entry{}, false
	}
	return *e, true
}

// ByUID returns the cached entry for uid, if present and not expired.
func (c *Cache) ByUID(uid uint32) (Entry, bool) {
	ub := c.uidBucket(uid)
	ub.mu.RLock()
	defer ub.mu.RUnlock()

	e, ok := ub.byUID[uid]
	if !ok {
		return Entry{}, false
	}
	if !e.Pinned && time.Now().After(e.expiresAt) {
		return Entry{}, false
	}
	return *e, true
}

// Remove evicts the cached entry for username, if present, regardless of its
// pinned status or expiration (spec.md §4.7: remove(name)).
func (c *Cache) Remove(name string) {
	nb := c.nameBucket(name)
	nb.mu.Lock()
	e, ok := nb.byName[name]
	if ok {
		delete(nb.byName, name)
	}
	nb.mu.Unlock()
	if !ok {
		return
	}

	ub := c.uidBucket(e.UID)
	ub.mu.Lock()
	if cur, ok := ub.byUID[e.UID]; ok && cur.Username == e.Username {
		delete(ub.byUID, e.UID)
	}
	ub.mu.Unlock()

	if e.Pinned {
		c.builtinMu.Lock()
		for i, b := range c.builtins {
			if b.Username == name {
				c.builtins = append(c.builtins[:i], c.builtins[i+1:]...)
				break
			}
		}
		c.builtinMu.Unlock()
	}
}

// LookupByGID iterates every non-expired entry whose primary or
// supplementary gid set contains gid (spec.md §4.7: "lookup_by_gid(gid) →
// iterator"), grounded on the original's chimera_vfs_user_cache_lookup_by_gid,
// which scans every name-bucket chain rather than maintaining a third index.
// Each name bucket is snapshotted under its own read lock so the callback
// never runs while holding a bucket lock.
func (c *Cache) LookupByGID(gid uint32) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		now := time.Now()
		for _, nb := range c.nameBuckets {
			nb.mu.RLock()
			var matches []Entry
			for _, e := range nb.byName {
				if !e.Pinned && now.After(e.expiresAt) {
					continue
				}
				if e.GID == gid {
					matches = append(matches, *e)
					continue
				}
				for _, g := range e.Gids {
					if g == gid {
						matches = append(matches, *e)
						break
					}
				}
			}
			nb.mu.RUnlock()

			for _, m := range matches {
				if !yield(m) {
					return
				}
			}
		}
	}
}

// IsMember reports whether uid's cached entry's primary or supplementary gid
// set contains gid (spec.md §4.7: "is_member(uid, gid) (convenience)").
func (c *Cache) IsMember(uid, gid uint32) bool {
	e, ok := c.ByUID(uid)
	if !ok {
		return false
	}
	if e.GID == gid {
		return true
	}
	for _, g := range e.Gids {
		if g == gid {
			return true
		}
	}
	return false
}

// ListPinned returns a snapshot of every pinned (builtin) entry.
func (c *Cache) ListPinned() []Entry {
	c.builtinMu.RLock()
	defer c.builtinMu.RUnlock()

	out := make([]Entry, len(c.builtins))
	for i, e := range c.builtins {
		out[i] = *e
	}
	return out
}

// sweepOnce removes expired, non-pinned entries from every name bucket, then,
// after releasing that name bucket's lock, locks the corresponding uid bucket
// to remove the mirrored entry too; the two locks are never held together.
func (c *Cache) sweepOnce() {
	now := time.Now()
	for _, nb := range c.nameBuckets {
		nb.mu.Lock()
		var expired []*Entry
		for name, e := range nb.byName {
			if !e.Pinned && now.After(e.expiresAt) {
				delete(nb.byName, name)
				expired = append(expired, e)
			}
		}
		nb.mu.Unlock()

		for _, e := range expired {
			ub := c.uidBucket(e.UID)
			ub.mu.Lock()
			if cur, ok := ub.byUID[e.UID]; ok && cur.Username == e.Username {
				delete(ub.byUID, e.UID)
			}
			ub.mu.Unlock()
		}
	}
}

// Start launches the background expiry sweep goroutine. Stop must be
// called to release it.
func (c *Cache) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sweepOnce()
			}
		}
	}()
}

// Stop terminates the expiry sweep goroutine and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}
