package hostfs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/iovec"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

func newTestModule(t *testing.T) *Module {
	t.Helper()
	dir := t.TempDir()
	m := New()
	cfg, _ := json.Marshal(config{Root: dir})
	if err := m.Init(context.Background(), cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	return m
}

func rootHandle(m *Module) fh.Handle {
	return m.handle(fh.MountID{}, rootIno)
}

func TestCreateWriteReadRoundtrip(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpCreate, Handle: rootHandle(m), Name: "f.txt"})
	if res.Code != vfserrors.OK {
		t.Fatalf("create: %v", res.Err)
	}
	h := res.Handle

	write := &request.Request{Op: request.OpWrite, Handle: h, Iovecs: []iovec.Vec{{Base: []byte("payload")}}}
	res = m.Dispatch(ctx, nil, write)
	if res.Code != vfserrors.OK || res.N != 7 {
		t.Fatalf("write: code=%v n=%d", res.Code, res.N)
	}

	res = m.Dispatch(ctx, nil, &request.Request{Op: request.OpRead, Handle: h, MaxCount: 1024})
	if res.Code != vfserrors.OK || string(res.Data) != "payload" {
		t.Fatalf("read: code=%v data=%q", res.Code, res.Data)
	}
}

func TestLookupMissingReturnsNoent(t *testing.T) {
	m := newTestModule(t)
	res := m.Dispatch(context.Background(), nil, &request.Request{Op: request.OpLookup, Handle: rootHandle(m), Name: "nope"})
	if res.Code != vfserrors.NOENT {
		t.Fatalf("expected NOENT, got %v", res.Code)
	}
}

func TestMkdirAndReaddir(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a"} {
		res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpMkdir, Handle: rootHandle(m), Name: name})
		if res.Code != vfserrors.OK {
			t.Fatalf("mkdir %s: %v", name, res.Err)
		}
	}

	res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpReaddir, Handle: rootHandle(m), MaxCount: 100})
	if res.Code != vfserrors.OK {
		t.Fatalf("readdir: %v", res.Err)
	}
	if len(res.Entries) != 2 || res.Entries[0].Name != "a" || res.Entries[1].Name != "b" {
		t.Fatalf("unexpected entries: %+v", res.Entries)
	}
}

func TestRemoveDeletesFromHostFilesystem(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpCreate, Handle: rootHandle(m), Name: "gone"})
	if res.Code != vfserrors.OK {
		t.Fatalf("create: %v", res.Err)
	}

	res = m.Dispatch(ctx, nil, &request.Request{Op: request.OpRemove, Handle: rootHandle(m), Name: "gone"})
	if res.Code != vfserrors.OK {
		t.Fatalf("remove: %v", res.Err)
	}
	if _, err := os.Stat(filepath.Join(m.root, "gone")); !os.IsNotExist(err) {
		t.Fatalf("expected file to be gone from host filesystem")
	}
}
