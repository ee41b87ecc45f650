package core

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/chimera-nas/vfscore/pkg/backend/memfs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/iovec"
	"github.com/chimera-nas/vfscore/pkg/vfs/kv"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/mount"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

// TestEndToEndCreateWriteReadThroughMemfs wires a real backend module
// (memfs) through the full Core assembly and drives a create/write/read
// round trip purely through the Dispatcher's public verbs, exercising the
// same path a protocol adapter would use (spec.md §8 scenario 1).
func TestEndToEndCreateWriteReadThroughMemfs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoreThreads = 1
	cfg.WatchdogPeriod = time.Hour

	c := New(cfg, nil, nil)
	c.Start(context.Background())
	defer c.Stop(context.Background())

	mod := memfs.New()
	if err := mod.Init(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("init memfs: %v", err)
	}
	inst := &module.Instance{Name: "data", Tag: memfs.Tag, Module: mod}
	if err := c.Mount(context.Background(), "/data", "data", inst, mount.Options{}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	var mountID fh.MountID
	for _, mn := range c.Tree.Iterate() {
		if mn.Instance.Name == "data" {
			mountID = mn.ID
		}
	}
	root := fh.New(mountID, memfs.Tag, mod.RootPayload())

	th := c.Threads[0]

	cres := c.Dispatch.Create(context.Background(), th, root, "greeting.txt")
	if cres.Code != vfserrors.OK {
		t.Fatalf("create: %s", cres.Code)
	}

	payload := []byte("hello from the VFS core")
	wreq := request.Get()
	wreq.Iovecs = []iovec.Vec{{Base: payload}}
	wres := c.Dispatch.Write(context.Background(), th, cres.Handle, 0, wreq)
	if wres.Code != vfserrors.OK {
		t.Fatalf("write: %s", wres.Code)
	}
	if wres.N != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), wres.N)
	}

	rreq := request.Get()
	rreq.MaxCount = uint32(len(payload))
	rres := c.Dispatch.Read(context.Background(), th, cres.Handle, 0, rreq)
	if rres.Code != vfserrors.OK {
		t.Fatalf("read: %s", rres.Code)
	}
	if !bytes.Equal(rres.Data, payload) {
		t.Fatalf("expected %q, got %q", payload, rres.Data)
	}

	sres := c.Dispatch.Statfs(context.Background(), th, root)
	if sres.Code != vfserrors.OK {
		t.Fatalf("statfs: %s", sres.Code)
	}
	if sres.Statfs.TotalFiles == 0 {
		t.Fatalf("expected nonzero file count after create, got %+v", sres.Statfs)
	}
}

// memKVBackend is a minimal in-memory kv.Backend used only to prove the
// Core wires a configured backend through to kv.Facility end to end; the
// backend's own semantics are covered by pkg/backend/cairn's tests.
type memKVBackend struct{ data map[string][]byte }

func newMemKVBackend() *memKVBackend { return &memKVBackend{data: map[string][]byte{}} }

func (b *memKVBackend) Put(ctx context.Context, key, value []byte) error {
	b.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b *memKVBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, ok := b.data[string(key)]
	if !ok {
		return nil, vfserrors.New("memkv.get", vfserrors.NOENT)
	}
	return v, nil
}

func (b *memKVBackend) Delete(ctx context.Context, key []byte) error {
	delete(b.data, string(key))
	return nil
}

func (b *memKVBackend) Search(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	return nil, vfserrors.New("memkv.search", vfserrors.NOTSUPP)
}

// TestEndToEndKVRoundTripWithBinaryKey exercises the Core's KV facility
// (spec.md §4.9 scenario 5) with a key containing non-UTF8 bytes, proving
// the facility doesn't assume string-safe keys anywhere on the path.
func TestEndToEndKVRoundTripWithBinaryKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WatchdogPeriod = time.Hour

	backend := newMemKVBackend()
	c := New(cfg, backend, nil)

	key := []byte{0x00, 0xff, 0x10, 0x00, 0x20}
	value := []byte("opaque payload")

	if err := c.KV.Put(context.Background(), key, value); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.KV.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("expected %q, got %q", value, got)
	}
	if err := c.KV.Delete(context.Background(), key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.KV.Get(context.Background(), key); vfserrors.CodeOf(err) != vfserrors.NOENT {
		t.Fatalf("expected NOENT after delete, got %v", err)
	}
}
