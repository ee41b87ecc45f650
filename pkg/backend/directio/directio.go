// Package directio implements a VFS backend module over real host files
// opened with O_DIRECT: every READ/WRITE bypasses the page cache and talks
// straight to the block layer, at the cost of the kernel requiring the
// transfer's offset, length, and memory address to all land on the
// device's logical block size boundary.
//
// Grounded on pkg/backend/hostfs for the inode-to-path table and directory
// operations (same map-plus-mutex idiom, borrowed from the teacher's
// pkg/cache.MemoryCache shape), and on spec.md §9's note that this module
// stands in for an io_uring-flavored engine without a cgo liburing binding:
// it issues synchronous unix.Pread/Pwrite against an O_DIRECT file
// descriptor instead, bouncing every transfer through the iovec package's
// aligned buffers (pkg/vfs/iovec), whether or not the caller's request is
// already aligned.
package directio

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/iovec"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

// Tag is the module_tag byte directio stamps into the handles it issues.
const Tag = 4

const rootIno uint64 = 1

// defaultBlockSize is used when the host's statfs doesn't report one (e.g.
// a tmpfs mount in a test environment); real block devices report their own
// logical block size and that value is used instead.
const defaultBlockSize = 4096

func init() {
	module.Register(Tag, "directio", func() module.Module { return New() })
}

// config is directio's Init payload.
type config struct {
	Root string `json:"root"`
}

// Module is the O_DIRECT-backed module.
type Module struct {
	root      string
	blockSize int

	mu      sync.RWMutex
	paths   map[uint64]string
	nextIno atomic.Uint64
}

// New builds an unrooted directio instance; Init must be called with a root
// path before Dispatch is used.
func New() *Module {
	m := &Module{paths: map[uint64]string{rootIno: ""}, blockSize: defaultBlockSize}
	m.nextIno.Store(rootIno)
	return m
}

func (m *Module) Init(ctx context.Context, cfg json.RawMessage) error {
	var c config
	if err := json.Unmarshal(cfg, &c); err != nil {
		return vfserrors.Wrap("directio.init", vfserrors.INVAL, "", err)
	}
	if c.Root == "" {
		return vfserrors.New("directio.init", vfserrors.INVAL)
	}
	if _, err := os.Stat(c.Root); err != nil {
		return vfserrors.Wrap("directio.init", vfserrors.NOENT, "", err)
	}
	m.root = c.Root

	var st unix.Statfs_t
	if err := unix.Statfs(c.Root, &st); err == nil && st.Bsize > 0 {
		m.blockSize = int(st.Bsize)
	}
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
		return 0, vfserrors.New("directio.decode", vfserrors.BADHANDLE)
	}
	return binary.BigEndian.Uint64(h.Payload), nil
}

func (m *Module) handle(mount fh.MountID, ino uint64) fh.Handle {
	return fh.New(mount, Tag, encodeIno(ino))
}

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
	if fi.IsDir() {
		typ = attrs.TypeDirectory
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
		return nil, "", vfserrors.New("directio.stat", vfserrors.STALE)
	}
	fi, err := os.Lstat(m.fullPath(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", vfserrors.Wrap("directio.stat", vfserrors.STALE, "", err)
		}
		return nil, "", vfserrors.Wrap("directio.stat", vfserrors.IO, "", err)
	}
	return fi, relPath, nil
}

// Dispatch implements every verb directio supports.
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
		return m.create(req, false)
	case request.OpMkdir:
		return m.create(req, true)
	case request.OpRemove:
		return m.remove(req, false)
	case request.OpRmdir:
		return m.remove(req, true)
	case request.OpRename:
		return m.rename(req)
	case request.OpLink, request.OpSymlink, request.OpReadlink:
		return request.Fail(vfserrors.NOTSUPP, vfserrors.New("directio.dispatch", vfserrors.NOTSUPP))
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
		return request.Fail(vfserrors.NOTSUPP, vfserrors.New("directio.dispatch", vfserrors.NOTSUPP))
	}
}

func (m *Module) lookup(req *request.Request) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dirPath, ok := m.pathOf(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("directio.lookup", vfserrors.STALE))
	}
	childRel := filepath.Join(dirPath, req.Name)
	fi, err := os.Lstat(m.fullPath(childRel))
	if err != nil {
		return request.Fail(vfserrors.NOENT, vfserrors.Wrap("directio.lookup", vfserrors.NOENT, "", err))
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
			return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.setattr", vfserrors.IO, "", err))
		}
	}
	if req.SetAttrs.Present.Has(attrs.MaskSize) {
		if err := os.Truncate(full, int64(req.SetAttrs.Size)); err != nil {
			return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.setattr", vfserrors.IO, "", err))
		}
	}
	fi, err := os.Lstat(full)
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.setattr", vfserrors.IO, "", err))
	}
	return &request.Result{Code: vfserrors.OK, Attrs: toAttrs(fi, ino)}
}

// open acquires an O_DIRECT file descriptor for the handle's path, wrapped
// as an *os.File so the dispatcher's open-file cache can thread it through
// READ/WRITE/COMMIT/CLOSE the same way it does for hostfs.
func (m *Module) open(req *request.Request) *request.Result {
	ino, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	_, relPath, err := m.stat(ino)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	fd, err := unix.Open(m.fullPath(relPath), unix.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		fd, err = unix.Open(m.fullPath(relPath), unix.O_RDONLY|unix.O_DIRECT, 0)
	}
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.open", vfserrors.IO, "", err))
	}
	f := os.NewFile(uintptr(fd), m.fullPath(relPath))
	return &request.Result{Code: vfserrors.OK, OpenState: f}
}

func (m *Module) closeHandle(req *request.Request) *request.Result {
	if f, ok := req.OpenState.(*os.File); ok && f != nil {
		f.Close()
	}
	return request.OK()
}

func (m *Module) commit(req *request.Request) *request.Result {
	f, ok := req.OpenState.(*os.File)
	if !ok || f == nil {
		return request.OK()
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.commit", vfserrors.IO, "", err))
	}
	return request.OK()
}

// read issues an O_DIRECT pread. The requested [offset, offset+count) range
// is expanded out to the surrounding aligned block before the syscall, then
// the caller's slice is copied back out of the aligned buffer — the
// kernel's O_DIRECT contract requires the transfer's offset, length, and
// buffer address to all be block-size multiples, which an arbitrary VFS
// READ request has no reason to already satisfy.
func (m *Module) read(req *request.Request) *request.Result {
	f, ok := req.OpenState.(*os.File)
	if !ok || f == nil {
		return request.Fail(vfserrors.INVAL, vfserrors.New("directio.read", vfserrors.INVAL))
	}
	align := m.blockSize
	alignedOff := iovec.AlignDown(int(req.Offset), align)
	pad := int(req.Offset) - alignedOff
	alignedLen := iovec.AlignUp(pad+int(req.MaxCount), align)

	buf := iovec.AlignedBuffer(alignedLen, align)
	n, err := unix.Pread(int(f.Fd()), buf, int64(alignedOff))
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.read", vfserrors.IO, "", err))
	}
	if n <= pad {
		return &request.Result{Code: vfserrors.OK, EOF: true}
	}
	data := buf[pad:n]
	if len(data) > int(req.MaxCount) {
		data = data[:req.MaxCount]
	}
	out := append([]byte(nil), data...)
	return &request.Result{Code: vfserrors.OK, Data: out, N: len(out), EOF: n < alignedLen}
}

// write performs an aligned read-modify-write: the surrounding aligned
// block is read in, the caller's bytes are overlaid at the right offset
// within it, and the whole aligned block is written back with pwrite.
func (m *Module) write(req *request.Request) *request.Result {
	f, ok := req.OpenState.(*os.File)
	if !ok || f == nil {
		return request.Fail(vfserrors.INVAL, vfserrors.New("directio.write", vfserrors.INVAL))
	}
	total := iovec.Len(req.Iovecs)
	if total == 0 {
		return &request.Result{Code: vfserrors.OK, N: 0}
	}

	align := m.blockSize
	alignedOff := iovec.AlignDown(int(req.Offset), align)
	pad := int(req.Offset) - alignedOff
	alignedLen := iovec.AlignUp(pad+total, align)

	buf := iovec.AlignedBuffer(alignedLen, align)
	if n, err := unix.Pread(int(f.Fd()), buf, int64(alignedOff)); err != nil && n == 0 {
		// Reading past EOF on a freshly-extended file is expected; treat the
		// bounce buffer as zero-filled in that case.
		for i := range buf {
			buf[i] = 0
		}
	}

	cur := iovec.NewCursor(req.Iovecs)
	if _, err := cur.CopyOut(buf[pad : pad+total]); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.write", vfserrors.IO, "", err))
	}

	if _, err := unix.Pwrite(int(f.Fd()), buf, int64(alignedOff)); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.write", vfserrors.IO, "", err))
	}
	return &request.Result{Code: vfserrors.OK, N: total}
}

func (m *Module) create(req *request.Request, isDir bool) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dirPath, ok := m.pathOf(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("directio.create", vfserrors.STALE))
	}
	childRel := filepath.Join(dirPath, req.Name)
	full := m.fullPath(childRel)

	var createErr error
	if isDir {
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
			return request.Fail(vfserrors.EXIST, vfserrors.Wrap("directio.create", vfserrors.EXIST, "", createErr))
		}
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.create", vfserrors.IO, "", createErr))
	}
	fi, err := os.Lstat(full)
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.create", vfserrors.IO, "", err))
	}
	ino := m.internPath(childRel)
	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, ino), Attrs: toAttrs(fi, ino)}
}

func (m *Module) remove(req *request.Request, wantDir bool) *request.Result {
	dirIno, err := decodeIno(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.BADHANDLE, err)
	}
	dirPath, ok := m.pathOf(dirIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("directio.remove", vfserrors.STALE))
	}
	childRel := filepath.Join(dirPath, req.Name)
	full := m.fullPath(childRel)

	fi, err := os.Lstat(full)
	if err != nil {
		return request.Fail(vfserrors.NOENT, vfserrors.Wrap("directio.remove", vfserrors.NOENT, "", err))
	}
	if wantDir && !fi.IsDir() {
		return request.Fail(vfserrors.NOTDIR, vfserrors.New("directio.remove", vfserrors.NOTDIR))
	}
	if !wantDir && fi.IsDir() {
		return request.Fail(vfserrors.ISDIR, vfserrors.New("directio.remove", vfserrors.ISDIR))
	}
	if err := os.Remove(full); err != nil {
		if pe, ok := err.(*os.PathError); ok && pe.Err.Error() == "directory not empty" {
			return request.Fail(vfserrors.NOTEMPTY, vfserrors.Wrap("directio.remove", vfserrors.NOTEMPTY, "", err))
		}
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.remove", vfserrors.IO, "", err))
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
		return request.Fail(vfserrors.STALE, vfserrors.New("directio.rename", vfserrors.STALE))
	}
	dstDir, ok := m.pathOf(dstIno)
	if !ok {
		return request.Fail(vfserrors.STALE, vfserrors.New("directio.rename", vfserrors.STALE))
	}
	oldRel := filepath.Join(srcDir, req.Name)
	newRel := filepath.Join(dstDir, req.NewName)
	if err := os.Rename(m.fullPath(oldRel), m.fullPath(newRel)); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.rename", vfserrors.IO, "", err))
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
		return request.Fail(vfserrors.STALE, vfserrors.New("directio.readdir", vfserrors.STALE))
	}
	entries, err := os.ReadDir(m.fullPath(relPath))
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.readdir", vfserrors.IO, "", err))
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

func (m *Module) statfs(req *request.Request) *request.Result {
	var st unix.Statfs_t
	if err := unix.Statfs(m.root, &st); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("directio.statfs", vfserrors.IO, "", err))
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
