// Package memfs implements an in-memory VFS backend module: every object
// lives as a node in a process-local map, with no persistence across
// restarts. It is the simplest backend, useful for tests and ephemeral
// mounts (e.g. tmpfs-style scratch space).
//
// Grounded on the teacher's pkg/cache/memory.MemoryCache: a map guarded by
// a package-level RWMutex for lookups plus a per-entry mutex for the
// entry's own mutable state, with total size tracked via an atomic counter
// so size-limit checks never take the map lock.
package memfs

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

// Tag is the module_tag byte memfs stamps into the handles it issues.
const Tag = 1

const rootIno uint64 = 1

func init() {
	module.Register(Tag, "memfs", func() module.Module { return New() })
}

// config is memfs's Init payload.
type config struct {
	MaxSizeBytes int64 `json:"max_size_bytes"`
}

type node struct {
	mu sync.Mutex

	typ   attrs.Type
	mode  uint32
	uid   uint32
	gid   uint32
	nlink uint32

	data []byte // regular files

	children map[string]uint64 // directories: name -> inode
	target   string             // symlinks

	atime, mtime, ctime time.Time
}

// Module is the in-memory backend.
type Module struct {
	mu      sync.RWMutex
	nodes   map[uint64]*node
	nextIno atomic.Uint64

	maxSize   int64
	totalSize atomic.Int64
}

// New builds an empty memfs instance with a synthesized root directory.
func New() *Module {
	m := &Module{nodes: make(map[uint64]*node)}
	m.nextIno.Store(rootIno)
	now := time.Now()
	m.nodes[rootIno] = &node{
		typ:      attrs.TypeDirectory,
		mode:     0o755,
		children: make(map[string]uint64),
		atime:    now, mtime: now, ctime: now,
	}
	return m
}

func (m *Module) Init(ctx context.Context, cfg json.RawMessage) error {
	if len(cfg) == 0 {
		return nil
	}
	var c config
	if err := json.Unmarshal(cfg, &c); err != nil {
		return vfserrors.Wrap("memfs.init", vfserrors.INVAL, "", err)
	}
	m.maxSize = c.MaxSizeBytes
	return nil
}

func (m *Module) Destroy(ctx context.Context) error { return nil }

func (m *Module) ThreadInit(ctx context.Context) (module.ThreadState, error) { return nil, nil }
func (m *Module) ThreadDestroy(ctx context.Context, ts module.ThreadState) error {
	return nil
}

func (m *Module) Watchdog(ctx context.Context, ts module.ThreadState) {}

func (m *Module) FhMagic() byte { return Tag }

func (m *Module) RootPayload() []byte { return encodeIno(rootIno) }

func (m *Module) Capabilities() module.Capabilities {
	return module.Capabilities{
		ReadOnly:           false,
		CaseSensitive:      true,
		MaxNameLen:         255,
		MaxPathLen:         4096,
		RequiresOpen:       false,
		HonorsFsync:        false,
		CursorBasedListing: false,
	}
}

func encodeIno(ino uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ino)
	return b
}

func decodeIno(h fh.Handle) (uint64, error) {
	if len(h.Payload) != 8 {
		return 0, vfserrors.New("memfs.decode", vfserrors.BADHANDLE)
	}
	return binary.BigEndian.Uint64(h.Payload), nil
}

func (m *Module) handle(mount fh.MountID, ino uint64) fh.Handle {
	return fh.New(mount, Tag, encodeIno(ino))
}

func (m *Module) get(ino uint64) (*node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[ino]
	return n, ok
}

func (n *node) attrs(fileID uint64) attrs.Attrs {
	n.mu.Lock()
	defer n.mu.Unlock()
	return attrs.Attrs{
		Present:   attrs.MaskAll,
		Type:      n.typ,
		Mode:      n.mode,
		Nlink:     n.nlink,
		UID:       n.uid,
		GID:       n.gid,
		Size:      uint64(len(n.data)),
		SpaceUsed: uint64(len(n.data)),
		ATime:     n.atime,
		MTime:     n.mtime,
		CTime:     n.ctime,
		FileID:    fileID,
	}
}

// Dispatch implements every verb memfs supports against its in-memory node
// table.
func (m *Module) Dispatch(ctx context.Context, ts module.ThreadState, req *request.Request) *request.Result {
	switch req.Op {
	case request.OpLookup:
		return m.lookup(req)
	case request.OpGetAttr:
		return m.getAttr(req)
	case request.OpSetAttr:
		return m.setAttr(req)
	case request.OpRead:
		return m.read(req)
	case request.OpWrite:
		return m.write(req)
	case request.OpCreate:
		return m.create(req, attrs.TypeRegular)
	case request.OpMkdir:
		return m.create(req, attrs.TypeDirectory)
	case request.OpSymlink:
		return m.symlink(req)
	case request.OpReadlink:
		return m.readlink(req)
	case request.OpRemove:
		return m.remove(req, false)
	case request.OpRmdir:
		return m.remove(req, true)
	case request.OpRename:
		return m.rename(req)
	case request.OpLink:
		return m.link(req)
	case request.OpReaddir:
		return m.readdir(req)
	case request.OpOpen, request.OpClose, request.OpCommit:
		return request.OK()
	case request.OpStatfs:
		return m.statfs()
	default:
		return request.Fail(vfserrors.NOTSUPP, vfserrors.New("memfs.dispatch", vfserrors.NOTSUPP))
	}
}

func (m *Module) lookup(req *request.Request) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dir, ok := m.get(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.lookup", vfserrors.STALE))
	}
	dir.mu.Lock()
	if dir.typ != attrs.TypeDirectory {
		dir.mu.Unlock()
		return request.Fail(vfserrors.NOTDIR, vfserrors.New("memfs.lookup", vfserrors.NOTDIR))
	}
	childIno, ok := dir.children[req.Name]
	dir.mu.Unlock()
	if !ok {
		return request.Fail(vfserrors.NOENT, vfserrors.New("memfs.lookup", vfserrors.NOENT))
	}
	child, ok := m.get(childIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.lookup", vfserrors.STALE))
	}
	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, childIno), Attrs: child.attrs(childIno)}
}

func (m *Module) getAttr(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	n, ok := m.get(ino)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.getattr", vfserrors.STALE))
	}
	return &request.Result{Code: vfserrors.OK, Attrs: n.attrs(ino).Project(req.AttrMask)}
}

// statfs reports the configured size ceiling and current usage. An unset
// MaxSizeBytes (unlimited) is reported as zero total/free bytes, matching
// the convention that zero means "unbounded, not empty" for this field.
func (m *Module) statfs() *request.Result {
	m.mu.RLock()
	files := uint64(len(m.nodes))
	m.mu.RUnlock()

	used := m.totalSize.Load()
	var total, free uint64
	if m.maxSize > 0 {
		total = uint64(m.maxSize)
		if used < m.maxSize {
			free = uint64(m.maxSize - used)
		}
	}
	return &request.Result{Code: vfserrors.OK, Statfs: attrs.Statfs{
		TotalBytes: total,
		FreeBytes:  free,
		AvailBytes: free,
		TotalFiles: files,
		BlockSize:  4096,
		MaxNameLen: 255,
	}}
}

func (m *Module) setAttr(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	n, ok := m.get(ino)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.setattr", vfserrors.STALE))
	}
	n.mu.Lock()
	if req.SetAttrs.Present.Has(attrs.MaskMode) {
		n.mode = req.SetAttrs.Mode
	}
	if req.SetAttrs.Present.Has(attrs.MaskUID) {
		n.uid = req.SetAttrs.UID
	}
	if req.SetAttrs.Present.Has(attrs.MaskGID) {
		n.gid = req.SetAttrs.GID
	}
	if req.SetAttrs.Present.Has(attrs.MaskSize) {
		n.data = resize(n.data, int(req.SetAttrs.Size))
	}
	n.ctime = time.Now()
	n.mu.Unlock()
	return &request.Result{Code: vfserrors.OK, Attrs: n.attrs(ino)}
}

func resize(data []byte, size int) []byte {
	if size <= len(data) {
		return data[:size]
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}

func (m *Module) read(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	n, ok := m.get(ino)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.read", vfserrors.STALE))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != attrs.TypeRegular {
		return request.Fail(vfserrors.ISDIR, vfserrors.New("memfs.read", vfserrors.ISDIR))
	}
	n.atime = time.Now()
	if req.Offset >= uint64(len(n.data)) {
		return &request.Result{Code: vfserrors.OK, EOF: true}
	}
	end := req.Offset + uint64(req.MaxCount)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}
	data := append([]byte(nil), n.data[req.Offset:end]...)
	return &request.Result{Code: vfserrors.OK, Data: data, N: len(data), EOF: end == uint64(len(n.data))}
}

func (m *Module) write(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	n, ok := m.get(ino)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.write", vfserrors.STALE))
	}

	var written int
	for _, v := range req.Iovecs {
		written += len(v.Base)
	}
	if m.maxSize > 0 && m.totalSize.Load()+int64(written) > m.maxSize {
		return request.Fail(vfserrors.NOSPC, vfserrors.New("memfs.write", vfserrors.NOSPC))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != attrs.TypeRegular {
		return request.Fail(vfserrors.ISDIR, vfserrors.New("memfs.write", vfserrors.ISDIR))
	}
	before := len(n.data)
	off := req.Offset
	for _, v := range req.Iovecs {
		end := off + uint64(len(v.Base))
		if end > uint64(len(n.data)) {
			n.data = resize(n.data, int(end))
		}
		copy(n.data[off:end], v.Base)
		off = end
	}
	n.mtime = time.Now()
	m.totalSize.Add(int64(len(n.data) - before))
	return &request.Result{Code: vfserrors.OK, N: written}
}

func (m *Module) create(req *request.Request, typ attrs.Type) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dir, ok := m.get(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.create", vfserrors.STALE))
	}

	dir.mu.Lock()
	if dir.typ != attrs.TypeDirectory {
		dir.mu.Unlock()
		return request.Fail(vfserrors.NOTDIR, vfserrors.New("memfs.create", vfserrors.NOTDIR))
	}
	if _, exists := dir.children[req.Name]; exists {
		dir.mu.Unlock()
		return request.Fail(vfserrors.EXIST, vfserrors.New("memfs.create", vfserrors.EXIST))
	}
	dir.mu.Unlock()

	now := time.Now()
	n := &node{typ: typ, mode: req.SetAttrs.Mode, uid: req.Cred.UID, gid: req.Cred.GID, nlink: 1, atime: now, mtime: now, ctime: now}
	if typ == attrs.TypeDirectory {
		n.children = make(map[string]uint64)
	}

	m.mu.Lock()
	ino := m.nextIno.Add(1)
	m.nodes[ino] = n
	m.mu.Unlock()

	dir.mu.Lock()
	dir.children[req.Name] = ino
	dir.mtime = time.Now()
	dir.mu.Unlock()

	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, ino), Attrs: n.attrs(ino)}
}

func (m *Module) symlink(req *request.Request) *request.Result {
	res := m.create(req, attrs.TypeSymlink)
	if res.Code != vfserrors.OK {
		return res
	}
	ino, _ := decodeIno(res.Handle)
	n, _ := m.get(ino)
	n.mu.Lock()
	n.target = req.LinkValue
	n.mu.Unlock()
	return res
}

func (m *Module) readlink(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	n, ok := m.get(ino)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.readlink", vfserrors.STALE))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != attrs.TypeSymlink {
		return request.Fail(vfserrors.INVAL, vfserrors.New("memfs.readlink", vfserrors.INVAL))
	}
	return &request.Result{Code: vfserrors.OK, Data: []byte(n.target)}
}

func (m *Module) remove(req *request.Request, wantDir bool) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dir, ok := m.get(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.remove", vfserrors.STALE))
	}

	dir.mu.Lock()
	childIno, exists := dir.children[req.Name]
	if !exists {
		dir.mu.Unlock()
		return request.Fail(vfserrors.NOENT, vfserrors.New("memfs.remove", vfserrors.NOENT))
	}
	dir.mu.Unlock()

	child, ok := m.get(childIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.remove", vfserrors.STALE))
	}
	child.mu.Lock()
	isDir := child.typ == attrs.TypeDirectory
	empty := len(child.children) == 0
	child.mu.Unlock()

	if wantDir && !isDir {
		return request.Fail(vfserrors.NOTDIR, vfserrors.New("memfs.remove", vfserrors.NOTDIR))
	}
	if !wantDir && isDir {
		return request.Fail(vfserrors.ISDIR, vfserrors.New("memfs.remove", vfserrors.ISDIR))
	}
	if wantDir && !empty {
		return request.Fail(vfserrors.NOTEMPTY, vfserrors.New("memfs.remove", vfserrors.NOTEMPTY))
	}

	dir.mu.Lock()
	delete(dir.children, req.Name)
	dir.mtime = time.Now()
	dir.mu.Unlock()

	m.mu.Lock()
	delete(m.nodes, childIno)
	m.mu.Unlock()

	return request.OK()
}

func (m *Module) rename(req *request.Request) *request.Result {
	srcIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dstIno, err := decodeIno(req.Target)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	src, ok := m.get(srcIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.rename", vfserrors.STALE))
	}
	dst, ok := m.get(dstIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.rename", vfserrors.STALE))
	}

	src.mu.Lock()
	childIno, exists := src.children[req.Name]
	if !exists {
		src.mu.Unlock()
		return request.Fail(vfserrors.NOENT, vfserrors.New("memfs.rename", vfserrors.NOENT))
	}
	delete(src.children, req.Name)
	src.mtime = time.Now()
	src.mu.Unlock()

	dst.mu.Lock()
	dst.children[req.NewName] = childIno
	dst.mtime = time.Now()
	dst.mu.Unlock()

	return request.OK()
}

func (m *Module) link(req *request.Request) *request.Result {
	existingIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dirIno, err := decodeIno(req.Target)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	existing, ok := m.get(existingIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.link", vfserrors.STALE))
	}
	dir, ok := m.get(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.link", vfserrors.STALE))
	}

	existing.mu.Lock()
	if existing.typ == attrs.TypeDirectory {
		existing.mu.Unlock()
		return request.Fail(vfserrors.ISDIR, vfserrors.New("memfs.link", vfserrors.ISDIR))
	}
	existing.nlink++
	existing.mu.Unlock()

	dir.mu.Lock()
	dir.children[req.NewName] = existingIno
	dir.mtime = time.Now()
	dir.mu.Unlock()

	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, existingIno)}
}

func (m *Module) readdir(req *request.Request) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dir, ok := m.get(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("memfs.readdir", vfserrors.STALE))
	}
	dir.mu.Lock()
	if dir.typ != attrs.TypeDirectory {
		dir.mu.Unlock()
		return request.Fail(vfserrors.NOTDIR, vfserrors.New("memfs.readdir", vfserrors.NOTDIR))
	}
	names := make(map[string]uint64, len(dir.children))
	for name, ino := range dir.children {
		names[name] = ino
	}
	dir.mu.Unlock()

	// Cookies are positions in name-sorted order so they stay stable across
	// calls regardless of the underlying map's iteration order.
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var entries []request.DirEntry
	var cookie uint64
	for _, name := range sorted {
		ino := names[name]
		cookie++
		if cookie <= req.Cookie {
			continue
		}
		child, ok := m.get(ino)
		if !ok {
			continue
		}
		entries = append(entries, request.DirEntry{
			Name:   name,
			Handle: m.handle(req.Handle.Mount, ino),
			Cookie: cookie,
			Attrs:  child.attrs(ino),
		})
		if req.MaxCount > 0 && uint32(len(entries)) >= req.MaxCount {
			return &request.Result{Code: vfserrors.OK, Entries: entries, NextCookie: cookie}
		}
	}
	return &request.Result{Code: vfserrors.OK, Entries: entries, EOF: true}
}
