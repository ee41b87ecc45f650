package directio

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/iovec"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

// newTestModule roots a fresh directio instance at a temp directory and
// skips the test outright if the underlying filesystem doesn't support
// O_DIRECT (common for tmpfs-backed test sandboxes), since that is an
// environment limitation, not a defect in this package.
func newTestModule(t *testing.T) (*Module, fh.Handle) {
	t.Helper()
	dir := t.TempDir()
	probe := filepath.Join(dir, ".direct_io_probe")
	if err := os.WriteFile(probe, make([]byte, defaultBlockSize), 0o644); err != nil {
		t.Fatalf("probe file: %v", err)
	}
	fd, err := unix.Open(probe, unix.O_RDONLY|unix.O_DIRECT, 0)
	if err != nil {
		t.Skipf("O_DIRECT unsupported on this filesystem: %v", err)
	}
	unix.Close(fd)
	os.Remove(probe)

	m := New()
	cfg, _ := json.Marshal(config{Root: dir})
	if err := m.Init(context.Background(), cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	var mount fh.MountID
	root := m.handle(mount, rootIno)
	return m, root
}

func openClose(t *testing.T, m *Module, h fh.Handle) (func(op func(req *request.Request) *request.Result) *request.Result, func()) {
	t.Helper()
	openReq := request.Get()
	openReq.Op = request.OpOpen
	openReq.Handle = h
	ores := m.Dispatch(context.Background(), nil, openReq)
	if ores.Code != vfserrors.OK {
		t.Fatalf("open: %s", ores.Code)
	}
	state := ores.OpenState
	call := func(op func(req *request.Request) *request.Result) *request.Result {
		req := request.Get()
		req.Handle = h
		req.OpenState = state
		return op(req)
	}
	closeFn := func() {
		closeReq := request.Get()
		closeReq.Op = request.OpClose
		closeReq.Handle = h
		closeReq.OpenState = state
		m.Dispatch(context.Background(), nil, closeReq)
	}
	return call, closeFn
}

func TestWriteReadUnalignedRoundTrip(t *testing.T) {
	m, root := newTestModule(t)

	createReq := request.Get()
	createReq.Op = request.OpCreate
	createReq.Handle = root
	createReq.Name = "data.bin"
	cres := m.Dispatch(context.Background(), nil, createReq)
	if cres.Code != vfserrors.OK {
		t.Fatalf("create: %s", cres.Code)
	}

	call, closeFn := openClose(t, m, cres.Handle)
	defer closeFn()

	payload := []byte("not a block-aligned write")
	wres := call(func(req *request.Request) *request.Result {
		req.Op = request.OpWrite
		req.Offset = 100
		req.Iovecs = []iovec.Vec{{Base: payload}}
		return m.Dispatch(context.Background(), nil, req)
	})
	if wres.Code != vfserrors.OK {
		t.Fatalf("write: %s", wres.Code)
	}
	if wres.N != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), wres.N)
	}

	rres := call(func(req *request.Request) *request.Result {
		req.Op = request.OpRead
		req.Offset = 100
		req.MaxCount = uint32(len(payload))
		return m.Dispatch(context.Background(), nil, req)
	})
	if rres.Code != vfserrors.OK {
		t.Fatalf("read: %s", rres.Code)
	}
	if string(rres.Data) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, rres.Data)
	}
}

func TestCommitFsyncsOpenFile(t *testing.T) {
	m, root := newTestModule(t)

	createReq := request.Get()
	createReq.Op = request.OpCreate
	createReq.Handle = root
	createReq.Name = "synced.bin"
	cres := m.Dispatch(context.Background(), nil, createReq)
	if cres.Code != vfserrors.OK {
		t.Fatalf("create: %s", cres.Code)
	}

	call, closeFn := openClose(t, m, cres.Handle)
	defer closeFn()

	res := call(func(req *request.Request) *request.Result {
		req.Op = request.OpCommit
		return m.Dispatch(context.Background(), nil, req)
	})
	if res.Code != vfserrors.OK {
		t.Fatalf("commit: %s", res.Code)
	}
}

func TestReadWithoutOpenStateFailsInval(t *testing.T) {
	m, root := newTestModule(t)

	createReq := request.Get()
	createReq.Op = request.OpCreate
	createReq.Handle = root
	createReq.Name = "noopen.bin"
	cres := m.Dispatch(context.Background(), nil, createReq)
	if cres.Code != vfserrors.OK {
		t.Fatalf("create: %s", cres.Code)
	}

	readReq := request.Get()
	readReq.Op = request.OpRead
	readReq.Handle = cres.Handle
	readReq.MaxCount = 16
	res := m.Dispatch(context.Background(), nil, readReq)
	if res.Code != vfserrors.INVAL {
		t.Fatalf("expected INVAL, got %s", res.Code)
	}
}
