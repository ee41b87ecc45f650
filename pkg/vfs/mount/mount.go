// Package mount implements the VFS core's mount tree: a path-prefix map
// from mounted paths to the backend module instance serving them, with the
// disjoint-path invariant from spec.md §4.2.
//
// Grounded on the teacher's pkg/registry.Registry, which guards a plain map
// with a sync.RWMutex; this package generalizes that to a path-prefix
// lookup. Readers (every dispatched request) take the read lock, and
// Iterate hands back a copy taken under it.
package mount

import (
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
)

// ErrOverlapping is returned by Add when path is a prefix of, or has as a
// prefix, an already-mounted path.
var ErrOverlapping = errors.New("mount: overlaps an existing mount")

// ErrNotMounted is returned when Remove or Lookup cannot find path.
var ErrNotMounted = errors.New("mount: not mounted")

// Options carries the recognized mount option keys from spec.md §9, plus a
// passthrough bag for anything this VFS core version doesn't recognize.
type Options struct {
	Vers  string
	Proto string
	Port  string
	Extra map[string]string
}

// Mount is one entry in the tree.
type Mount struct {
	Path     string
	ID       fh.MountID
	Instance *module.Instance
	Options  Options
}

// Tree is the mount tree. The zero value is not usable; use New.
type Tree struct {
	mu     sync.RWMutex
	byPath map[string]*Mount // mutated in place under mu
	byID   map[fh.MountID]*Mount
}

// New returns an empty mount tree.
func New() *Tree {
	return &Tree{byPath: make(map[string]*Mount), byID: make(map[fh.MountID]*Mount)}
}

func clean(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// hashPath derives a stable 128-bit mount ID from a cleaned client path
// (spec.md §3/§4.2/§6: mount_id = hash_128(client_path), persisting across
// daemon restarts rather than being assigned at random). Two independent
// xxhash sums over distinct salted inputs stand in for a single 128-bit
// hash, since the vendored xxhash only exposes Sum64.
func hashPath(path string) fh.MountID {
	var id fh.MountID
	binary.BigEndian.PutUint64(id[0:8], xxhash.Sum64String("mount_id.lo:"+path))
	binary.BigEndian.PutUint64(id[8:16], xxhash.Sum64String("mount_id.hi:"+path))
	return id
}

func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	ap, bp := a, b
	if !strings.HasSuffix(ap, "/") {
		ap += "/"
	}
	if !strings.HasSuffix(bp, "/") {
		bp += "/"
	}
	return strings.HasPrefix(bp, ap) || strings.HasPrefix(ap, bp)
}

// Add mounts inst at path, failing with ErrOverlapping if path conflicts
// with the disjoint-path invariant.
func (t *Tree) Add(path string, inst *module.Instance, opts Options) error {
	path = clean(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	for existing := range t.byPath {
		if overlaps(existing, path) {
			return ErrOverlapping
		}
	}
	id := hashPath(path)
	if _, exists := t.byID[id]; exists {
		return ErrOverlapping
	}
	m := &Mount{Path: path, ID: id, Instance: inst, Options: opts}
	t.byPath[path] = m
	t.byID[id] = m
	return nil
}

// Remove unmounts path.
func (t *Tree) Remove(path string) error {
	path = clean(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byPath[path]
	if !ok {
		return ErrNotMounted
	}
	delete(t.byPath, path)
	delete(t.byID, m.ID)
	return nil
}

// ByID returns the Mount whose ID matches id, the lookup a file handle's
// embedded mount ID uses to route a request to its owning module instance.
func (t *Tree) ByID(id fh.MountID) (*Mount, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byID[id]
	return m, ok
}

// Resolve returns the Mount whose path is the longest prefix of reqPath,
// the behavior a namespace lookup needs to route a request to the right
// backend module.
func (t *Tree) Resolve(reqPath string) (*Mount, bool) {
	reqPath = clean(reqPath)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Mount
	bestLen := -1
	for p, m := range t.byPath {
		pp := p
		if pp != "/" {
			pp += "/"
		}
		rp := reqPath
		if rp != "/" {
			rp += "/"
		}
		if p == reqPath || strings.HasPrefix(rp, pp) {
			if len(p) > bestLen {
				best = m
				bestLen = len(p)
			}
		}
	}
	return best, best != nil
}

// Iterate returns a stable, sorted snapshot of all current mounts. The
// snapshot is a copy taken under the read lock; mutating the tree afterward
// does not affect it, and callers hold no lock while they use it.
func (t *Tree) Iterate() []Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Mount, 0, len(t.byPath))
	for _, m := range t.byPath {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the number of mounts currently registered.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPath)
}
