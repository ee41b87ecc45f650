package cairn

import (
	"context"
	"testing"

	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/iovec"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

func newTestModule(t *testing.T) *Module {
	t.Helper()
	m := New()
	if err := m.Init(context.Background(), []byte(`{"in_memory":true}`)); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { m.Destroy(context.Background()) })
	return m
}

func rootHandle(m *Module, mount fh.MountID) fh.Handle {
	return m.handle(mount, rootID)
}

func TestCreateLookupGetAttr(t *testing.T) {
	m := newTestModule(t)
	var mount fh.MountID
	root := rootHandle(m, mount)

	req := request.Get()
	req.Op = request.OpCreate
	req.Handle = root
	req.Name = "hello.txt"
	res := m.Dispatch(context.Background(), nil, req)
	if res.Code != vfserrors.OK {
		t.Fatalf("create: %s", res.Code)
	}
	fileHandle := res.Handle

	lookupReq := request.Get()
	lookupReq.Op = request.OpLookup
	lookupReq.Handle = root
	lookupReq.Name = "hello.txt"
	lres := m.Dispatch(context.Background(), nil, lookupReq)
	if lres.Code != vfserrors.OK {
		t.Fatalf("lookup: %s", lres.Code)
	}
	if !lres.Handle.Equal(fileHandle) {
		t.Fatalf("lookup handle mismatch")
	}

	getReq := request.Get()
	getReq.Op = request.OpGetAttr
	getReq.Handle = fileHandle
	getReq.AttrMask = attrs.MaskAll
	gres := m.Dispatch(context.Background(), nil, getReq)
	if gres.Code != vfserrors.OK {
		t.Fatalf("getattr: %s", gres.Code)
	}
	if gres.Attrs.Type != attrs.TypeRegular {
		t.Fatalf("expected regular file, got %v", gres.Attrs.Type)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	m := newTestModule(t)
	var mount fh.MountID
	root := rootHandle(m, mount)

	createReq := request.Get()
	createReq.Op = request.OpCreate
	createReq.Handle = root
	createReq.Name = "data.bin"
	cres := m.Dispatch(context.Background(), nil, createReq)
	if cres.Code != vfserrors.OK {
		t.Fatalf("create: %s", cres.Code)
	}

	payload := []byte("the quick brown fox")
	writeReq := request.Get()
	writeReq.Op = request.OpWrite
	writeReq.Handle = cres.Handle
	writeReq.Offset = 0
	writeReq.Iovecs = []iovec.Vec{{Base: payload}}
	wres := m.Dispatch(context.Background(), nil, writeReq)
	if wres.Code != vfserrors.OK {
		t.Fatalf("write: %s", wres.Code)
	}
	if wres.N != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), wres.N)
	}

	readReq := request.Get()
	readReq.Op = request.OpRead
	readReq.Handle = cres.Handle
	readReq.Offset = 0
	readReq.MaxCount = uint32(len(payload))
	rres := m.Dispatch(context.Background(), nil, readReq)
	if rres.Code != vfserrors.OK {
		t.Fatalf("read: %s", rres.Code)
	}
	if string(rres.Data) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, rres.Data)
	}
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	m := newTestModule(t)
	var mount fh.MountID
	root := rootHandle(m, mount)

	mkdirReq := request.Get()
	mkdirReq.Op = request.OpMkdir
	mkdirReq.Handle = root
	mkdirReq.Name = "subdir"
	mres := m.Dispatch(context.Background(), nil, mkdirReq)
	if mres.Code != vfserrors.OK {
		t.Fatalf("mkdir: %s", mres.Code)
	}

	createReq := request.Get()
	createReq.Op = request.OpCreate
	createReq.Handle = mres.Handle
	createReq.Name = "child"
	if res := m.Dispatch(context.Background(), nil, createReq); res.Code != vfserrors.OK {
		t.Fatalf("create child: %s", res.Code)
	}

	rmReq := request.Get()
	rmReq.Op = request.OpRmdir
	rmReq.Handle = root
	rmReq.Name = "subdir"
	rres := m.Dispatch(context.Background(), nil, rmReq)
	if rres.Code != vfserrors.NOTEMPTY {
		t.Fatalf("expected NOTEMPTY, got %s", rres.Code)
	}
}

func TestKVPutGetDelete(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	if err := m.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := m.Get(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("expected 1, got %q", v)
	}
	if err := m.Delete(ctx, []byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, []byte("a")); vfserrors.CodeOf(err) != vfserrors.NOENT {
		t.Fatalf("expected NOENT after delete, got %v", err)
	}
}

func TestKVSearchRange(t *testing.T) {
	m := newTestModule(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := m.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	it, err := m.Search(ctx, []byte("b"), []byte("d"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
}
