package memfs

import (
	"context"
	"testing"

	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/iovec"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

func rootHandle(m *Module) fh.Handle {
	return m.handle(fh.MountID{}, rootIno)
}

func TestCreateLookupRoundtrip(t *testing.T) {
	m := New()
	ctx := context.Background()

	create := &request.Request{Op: request.OpCreate, Handle: rootHandle(m), Name: "hello.txt"}
	res := m.Dispatch(ctx, nil, create)
	if res.Code != vfserrors.OK {
		t.Fatalf("create: %v", res.Err)
	}

	lookup := &request.Request{Op: request.OpLookup, Handle: rootHandle(m), Name: "hello.txt"}
	res = m.Dispatch(ctx, nil, lookup)
	if res.Code != vfserrors.OK {
		t.Fatalf("lookup: %v", res.Err)
	}
	if res.Attrs.Type != attrs.TypeRegular {
		t.Fatalf("expected regular file, got %v", res.Attrs.Type)
	}
}

func TestWriteThenRead(t *testing.T) {
	m := New()
	ctx := context.Background()

	res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpCreate, Handle: rootHandle(m), Name: "f"})
	if res.Code != vfserrors.OK {
		t.Fatalf("create: %v", res.Err)
	}
	h := res.Handle

	write := &request.Request{Op: request.OpWrite, Handle: h, Offset: 0, Iovecs: []iovec.Vec{{Base: []byte("hello world")}}}
	res = m.Dispatch(ctx, nil, write)
	if res.Code != vfserrors.OK || res.N != 11 {
		t.Fatalf("write: code=%v n=%d err=%v", res.Code, res.N, res.Err)
	}

	read := &request.Request{Op: request.OpRead, Handle: h, Offset: 0, MaxCount: 1024}
	res = m.Dispatch(ctx, nil, read)
	if res.Code != vfserrors.OK || string(res.Data) != "hello world" {
		t.Fatalf("read: code=%v data=%q", res.Code, res.Data)
	}
	if !res.EOF {
		t.Fatalf("expected EOF at end of data")
	}
}

func TestRemoveNonemptyDirFails(t *testing.T) {
	m := New()
	ctx := context.Background()

	res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpMkdir, Handle: rootHandle(m), Name: "d"})
	if res.Code != vfserrors.OK {
		t.Fatalf("mkdir: %v", res.Err)
	}
	dirHandle := res.Handle

	res = m.Dispatch(ctx, nil, &request.Request{Op: request.OpCreate, Handle: dirHandle, Name: "child"})
	if res.Code != vfserrors.OK {
		t.Fatalf("create child: %v", res.Err)
	}

	res = m.Dispatch(ctx, nil, &request.Request{Op: request.OpRmdir, Handle: rootHandle(m), Name: "d"})
	if res.Code != vfserrors.NOTEMPTY {
		t.Fatalf("expected NOTEMPTY, got %v", res.Code)
	}
}

func TestReaddirListsChildrenInSortedOrder(t *testing.T) {
	m := New()
	ctx := context.Background()

	for _, name := range []string{"banana", "apple", "cherry"} {
		res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpCreate, Handle: rootHandle(m), Name: name})
		if res.Code != vfserrors.OK {
			t.Fatalf("create %s: %v", name, res.Err)
		}
	}

	res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpReaddir, Handle: rootHandle(m), MaxCount: 100})
	if res.Code != vfserrors.OK {
		t.Fatalf("readdir: %v", res.Err)
	}
	want := []string{"apple", "banana", "cherry"}
	if len(res.Entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(res.Entries))
	}
	for i, e := range res.Entries {
		if e.Name != want[i] {
			t.Fatalf("entry %d: expected %q, got %q", i, want[i], e.Name)
		}
	}
}

func TestWriteOverMaxSizeReturnsNoSpc(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.maxSize = 4

	res := m.Dispatch(ctx, nil, &request.Request{Op: request.OpCreate, Handle: rootHandle(m), Name: "f"})
	if res.Code != vfserrors.OK {
		t.Fatalf("create: %v", res.Err)
	}

	write := &request.Request{Op: request.OpWrite, Handle: res.Handle, Iovecs: []iovec.Vec{{Base: []byte("too much data")}}}
	res = m.Dispatch(ctx, nil, write)
	if res.Code != vfserrors.NOSPC {
		t.Fatalf("expected NOSPC, got %v", res.Code)
	}
}
