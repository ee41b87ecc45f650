package rootfs

import (
	"context"
	"encoding/json"
	"testing"

	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/mount"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

type stubLeafModule struct{ tag byte }

func (m *stubLeafModule) Init(ctx context.Context, cfg json.RawMessage) error { return nil }
func (m *stubLeafModule) Destroy(ctx context.Context) error                  { return nil }
func (m *stubLeafModule) ThreadInit(ctx context.Context) (module.ThreadState, error) {
	return nil, nil
}
func (m *stubLeafModule) ThreadDestroy(ctx context.Context, ts module.ThreadState) error {
	return nil
}
func (m *stubLeafModule) Dispatch(ctx context.Context, ts module.ThreadState, req *request.Request) *request.Result {
	return request.OK()
}
func (m *stubLeafModule) Watchdog(ctx context.Context, ts module.ThreadState) {}
func (m *stubLeafModule) FhMagic() byte                                      { return m.tag }
func (m *stubLeafModule) RootPayload() []byte                                { return []byte{0} }
func (m *stubLeafModule) Capabilities() module.Capabilities                  { return module.Capabilities{} }

func TestReaddirListsMounts(t *testing.T) {
	tree := mount.New()
	_ = tree.Add("/export", &module.Instance{Name: "export", Tag: 5, Module: &stubLeafModule{tag: 5}}, mount.Options{})

	m := New(tree)
	res := m.Dispatch(context.Background(), nil, &request.Request{Op: request.OpReaddir})
	if res.Code != vfserrors.OK {
		t.Fatalf("unexpected code: %s", res.Code)
	}
	if len(res.Entries) != 1 || res.Entries[0].Name != "export" {
		t.Fatalf("unexpected entries: %+v", res.Entries)
	}
}

func TestLookupFindsMountedName(t *testing.T) {
	tree := mount.New()
	_ = tree.Add("/export", &module.Instance{Name: "export", Tag: 5, Module: &stubLeafModule{tag: 5}}, mount.Options{})

	m := New(tree)
	res := m.Dispatch(context.Background(), nil, &request.Request{Op: request.OpLookup, Name: "export"})
	if res.Code != vfserrors.OK {
		t.Fatalf("expected OK, got %s", res.Code)
	}

	res = m.Dispatch(context.Background(), nil, &request.Request{Op: request.OpLookup, Name: "missing"})
	if res.Code != vfserrors.NOENT {
		t.Fatalf("expected NOENT, got %s", res.Code)
	}
}
