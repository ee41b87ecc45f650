// Package hostfs implements a VFS backend module that exposes a subtree of
// the host's real filesystem. Each VFS object's handle payload carries an
// internally-assigned inode number; the module keeps an inode-to-relative-
// path table in memory (grounded on the teacher's pkg/cache.MemoryCache map-
// plus-mutex idiom, the same shape pkg/backend/memfs uses) and translates
// every VFS operation into the equivalent os.* call rooted at Root.
package hostfs

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

// Tag is the module_tag byte hostfs stamps into the handles it issues.
const Tag = 2

const rootIno uint64 = 1

func init() {
	module.Register(Tag, "hostfs", func() module.Module { return New() })
}

// config is hostfs's Init payload.
type config struct {
	Root string `json:"root"`
}

// Module is the real-filesystem backend.
type Module struct {
	root string

	mu      sync.RWMutex
	paths   map[uint64]string // inode -> path relative to root ("" is root)
	nextIno atomic.Uint64
}

// New builds an unrooted hostfs instance; Init must be called with a root
// path before Dispatch is used.
func New() *Module {
	m := &Module{paths: map[uint64]string{rootIno: ""}}
	m.nextIno.Store(rootIno)
	return m
}

func (m *Module) Init(ctx context.Context, cfg json.RawMessage) error {
	var c config
	if err := json.Unmarshal(cfg, &c); err != nil {
		return vfserrors.Wrap("hostfs.init", vfserrors.INVAL, "", err)
	}
	if c.Root == "" {
		return vfserrors.New("hostfs.init", vfserrors.INVAL)
	}
	if _, err := os.Stat(c.Root); err != nil {
		return vfserrors.Wrap("hostfs.init", vfserrors.NOENT, "", err)
	}
	m.root = c.Root
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
		RequiresOpen:       true,
		HonorsFsync:        true,
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
		return 0, vfserrors.New("hostfs.decode", vfserrors.BADHANDLE)
	}
	return binary.BigEndian.Uint64(h.Payload), nil
}

func (m *Module) handle(mount fh.MountID, ino uint64) fh.Handle {
	return fh.New(mount, Tag, encodeIno(ino))
}

// internPath returns the inode assigned to relPath, assigning a fresh one
// if this is the first time hostfs has named it.
func (m *Module) internPath(relPath string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ino, p := range m.paths {
		if p == relPath {
			return ino
		}
	}
	ino := m.nextIno.Add(1)
	m.paths[ino] = relPath
	return ino
}

func (m *Module) pathOf(ino uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.paths[ino]
	return p, ok
}

func (m *Module) fullPath(relPath string) string {
	return filepath.Join(m.root, relPath)
}

func toAttrs(fi os.FileInfo, fileID uint64) attrs.Attrs {
	typ := attrs.TypeRegular
	switch {
	case fi.IsDir():
		typ = attrs.TypeDirectory
	case fi.Mode()&os.ModeSymlink != 0:
		typ = attrs.TypeSymlink
	}
	return attrs.Attrs{
		Present:   attrs.MaskAll,
		Type:      typ,
		Mode:      uint32(fi.Mode().Perm()),
		Nlink:     1,
		Size:      uint64(fi.Size()),
		SpaceUsed: uint64(fi.Size()),
		MTime:     fi.ModTime(),
		CTime:     fi.ModTime(),
		ATime:     fi.ModTime(),
		FileID:    fileID,
	}
}

func (m *Module) stat(ino uint64) (os.FileInfo, string, error) {
	relPath, ok := m.pathOf(ino)
	if !ok {
		return nil, "", vfserrors.New("hostfs.stat", vfserrors.STALE)
	}
	fi, err := os.Lstat(m.fullPath(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", vfserrors.Wrap("hostfs.stat", vfserrors.STALE, "", err)
		}
		return nil, "", vfserrors.Wrap("hostfs.stat", vfserrors.IO, "", err)
	}
	return fi, relPath, nil
}

// Dispatch implements every verb hostfs supports by delegating to the
// equivalent host-filesystem call rooted at Root.
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
		return request.Fail(vfserrors.NOTSUPP, vfserrors.New("hostfs.link", vfserrors.NOTSUPP))
	case request.OpReaddir:
		return m.readdir(req)
	case request.OpOpen:
		return m.open(req)
	case request.OpClose:
		return m.closeHandle(req)
	case request.OpCommit:
		return m.commit(req)
	case request.OpStatfs:
		return m.statfs(req)
	default:
		return request.Fail(vfserrors.NOTSUPP, vfserrors.New("hostfs.dispatch", vfserrors.NOTSUPP))
	}
}

func (m *Module) lookup(req *request.Request) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dirPath, ok := m.pathOf(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("hostfs.lookup", vfserrors.STALE))
	}
	childRel := filepath.Join(dirPath, req.Name)
	fi, err := os.Lstat(m.fullPath(childRel))
	if err != nil {
		return request.Fail(vfserrors.NOENT, vfserrors.Wrap("hostfs.lookup", vfserrors.NOENT, "", err))
	}
	ino := m.internPath(childRel)
	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, ino), Attrs: toAttrs(fi, ino)}
}

func (m *Module) getAttr(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	fi, _, err := m.stat(ino)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	return &request.Result{Code: vfserrors.OK, Attrs: toAttrs(fi, ino).Project(req.AttrMask)}
}

func (m *Module) setAttr(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	_, relPath, err := m.stat(ino)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	full := m.fullPath(relPath)
	if req.SetAttrs.Present.Has(attrs.MaskMode) {
		if err := os.Chmod(full, os.FileMode(req.SetAttrs.Mode)); err != nil {
			return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.setattr", vfserrors.IO, "", err))
		}
	}
	if req.SetAttrs.Present.Has(attrs.MaskSize) {
		if err := os.Truncate(full, int64(req.SetAttrs.Size)); err != nil {
			return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.setattr", vfserrors.IO, "", err))
		}
	}
	fi, err := os.Lstat(full)
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.setattr", vfserrors.IO, "", err))
	}
	return &request.Result{Code: vfserrors.OK, Attrs: toAttrs(fi, ino)}
}

// open acquires a real *os.File for the handle's path and hands it back as
// the Result's OpenState, which the dispatcher's open-file cache threads
// into the READ/WRITE/COMMIT/CLOSE requests that follow (spec.md §4.3 step
// 5). A plain file opens O_RDWR; a file the caller can't write to (or a
// directory, which READDIR doesn't route through here) falls back to
// read-only rather than failing the open outright.
func (m *Module) open(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	_, relPath, err := m.stat(ino)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	full := m.fullPath(relPath)
	f, err := os.OpenFile(full, os.O_RDWR, 0)
	if err != nil {
		f, err = os.Open(full)
	}
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.open", vfserrors.IO, "", err))
	}
	return &request.Result{Code: vfserrors.OK, OpenState: f}
}

// closeHandle releases the *os.File an earlier open produced.
func (m *Module) closeHandle(req *request.Request) *request.Result {
	if f, ok := req.OpenState.(*os.File); ok && f != nil {
		f.Close()
	}
	return request.OK()
}

// commit flushes the open file to the host filesystem.
func (m *Module) commit(req *request.Request) *request.Result {
	f, ok := req.OpenState.(*os.File)
	if !ok || f == nil {
		return request.OK()
	}
	if err := f.Sync(); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.commit", vfserrors.IO, "", err))
	}
	return request.OK()
}

func (m *Module) openedFile(req *request.Request, ino uint64) (*os.File, func(), error) {
	if f, ok := req.OpenState.(*os.File); ok && f != nil {
		return f, func() {}, nil
	}
	_, relPath, err := m.stat(ino)
	if err != nil {
		return nil, nil, err
	}
	full := m.fullPath(relPath)
	f, err := os.OpenFile(full, os.O_RDWR, 0)
	if err != nil {
		f, err = os.Open(full)
	}
	if err != nil {
		return nil, nil, vfserrors.Wrap("hostfs.open", vfserrors.IO, "", err)
	}
	return f, func() { f.Close() }, nil
}

func (m *Module) read(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	f, closeFn, err := m.openedFile(req, ino)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	defer closeFn()

	buf := make([]byte, req.MaxCount)
	n, err := f.ReadAt(buf, int64(req.Offset))
	eof := err == io.EOF
	if err != nil && !eof {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.read", vfserrors.IO, "", err))
	}
	return &request.Result{Code: vfserrors.OK, Data: buf[:n], N: n, EOF: eof}
}

func (m *Module) write(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	f, closeFn, err := m.openedFile(req, ino)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	defer closeFn()

	off := int64(req.Offset)
	total := 0
	for _, v := range req.Iovecs {
		n, err := f.WriteAt(v.Base, off)
		total += n
		off += int64(n)
		if err != nil {
			return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.write", vfserrors.IO, "", err))
		}
	}
	return &request.Result{Code: vfserrors.OK, N: total}
}

// statfs reports host filesystem capacity for the mount's root.
func (m *Module) statfs(req *request.Request) *request.Result {
	var st unix.Statfs_t
	if err := unix.Statfs(m.root, &st); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.statfs", vfserrors.IO, "", err))
	}
	bsize := uint64(st.Bsize)
	return &request.Result{Code: vfserrors.OK, Statfs: attrs.Statfs{
		TotalBytes: st.Blocks * bsize,
		FreeBytes:  st.Bfree * bsize,
		AvailBytes: st.Bavail * bsize,
		TotalFiles: st.Files,
		FreeFiles:  st.Ffree,
		BlockSize:  uint32(bsize),
		MaxNameLen: 255,
	}}
}

func (m *Module) create(req *request.Request, typ attrs.Type) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dirPath, ok := m.pathOf(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("hostfs.create", vfserrors.STALE))
	}
	childRel := filepath.Join(dirPath, req.Name)
	full := m.fullPath(childRel)

	var createErr error
	if typ == attrs.TypeDirectory {
		createErr = os.Mkdir(full, 0o755)
	} else {
		var f *os.File
		f, createErr = os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if f != nil {
			f.Close()
		}
	}
	if createErr != nil {
		if os.IsExist(createErr) {
			return request.Fail(vfserrors.EXIST, vfserrors.Wrap("hostfs.create", vfserrors.EXIST, "", createErr))
		}
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.create", vfserrors.IO, "", createErr))
	}

	fi, err := os.Lstat(full)
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.create", vfserrors.IO, "", err))
	}
	ino := m.internPath(childRel)
	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, ino), Attrs: toAttrs(fi, ino)}
}

func (m *Module) symlink(req *request.Request) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dirPath, ok := m.pathOf(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("hostfs.symlink", vfserrors.STALE))
	}
	childRel := filepath.Join(dirPath, req.Name)
	full := m.fullPath(childRel)
	if err := os.Symlink(req.LinkValue, full); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.symlink", vfserrors.IO, "", err))
	}
	ino := m.internPath(childRel)
	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, ino)}
}

func (m *Module) readlink(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	relPath, ok := m.pathOf(ino)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("hostfs.readlink", vfserrors.STALE))
	}
	target, err := os.Readlink(m.fullPath(relPath))
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.readlink", vfserrors.IO, "", err))
	}
	return &request.Result{Code: vfserrors.OK, Data: []byte(target)}
}

func (m *Module) remove(req *request.Request, wantDir bool) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dirPath, ok := m.pathOf(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("hostfs.remove", vfserrors.STALE))
	}
	childRel := filepath.Join(dirPath, req.Name)
	full := m.fullPath(childRel)

	fi, err := os.Lstat(full)
	if err != nil {
		return request.Fail(vfserrors.NOENT, vfserrors.Wrap("hostfs.remove", vfserrors.NOENT, "", err))
	}
	if wantDir && !fi.IsDir() {
		return request.Fail(vfserrors.NOTDIR, vfserrors.New("hostfs.remove", vfserrors.NOTDIR))
	}
	if !wantDir && fi.IsDir() {
		return request.Fail(vfserrors.ISDIR, vfserrors.New("hostfs.remove", vfserrors.ISDIR))
	}

	if err := os.Remove(full); err != nil {
		if pe, ok := err.(*os.PathError); ok && pe.Err.Error() == "directory not empty" {
			return request.Fail(vfserrors.NOTEMPTY, vfserrors.Wrap("hostfs.remove", vfserrors.NOTEMPTY, "", err))
		}
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.remove", vfserrors.IO, "", err))
	}
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
	srcDir, ok := m.pathOf(srcIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("hostfs.rename", vfserrors.STALE))
	}
	dstDir, ok := m.pathOf(dstIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("hostfs.rename", vfserrors.STALE))
	}

	oldRel := filepath.Join(srcDir, req.Name)
	newRel := filepath.Join(dstDir, req.NewName)
	if err := os.Rename(m.fullPath(oldRel), m.fullPath(newRel)); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.rename", vfserrors.IO, "", err))
	}

	m.mu.Lock()
	for ino, p := range m.paths {
		if p == oldRel {
			m.paths[ino] = newRel
		}
	}
	m.mu.Unlock()
	return request.OK()
}

func (m *Module) readdir(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	relPath, ok := m.pathOf(ino)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("hostfs.readdir", vfserrors.STALE))
	}
	entries, err := os.ReadDir(m.fullPath(relPath))
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("hostfs.readdir", vfserrors.IO, "", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []request.DirEntry
	var cookie uint64
	for _, name := range names {
		cookie++
		if cookie <= req.Cookie {
			continue
		}
		childRel := filepath.Join(relPath, name)
		fi, err := os.Lstat(m.fullPath(childRel))
		if err != nil {
			continue
		}
		childIno := m.internPath(childRel)
		out = append(out, request.DirEntry{
			Name:   name,
			Handle: m.handle(req.Handle.Mount, childIno),
			Cookie: cookie,
			Attrs:  toAttrs(fi, childIno),
		})
		if req.MaxCount > 0 && uint32(len(out)) >= req.MaxCount {
			return &request.Result{Code: vfserrors.OK, Entries: out, NextCookie: cookie}
		}
	}
	return &request.Result{Code: vfserrors.OK, Entries: out, EOF: true}
}
