package thread

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"encoding/json"

	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

type fakeModule struct {
	inits int32
}

func (m *fakeModule) Init(ctx context.Context, cfg json.RawMessage) error { return nil }
func (m *fakeModule) Destroy(ctx context.Context) error                  { return nil }
func (m *fakeModule) ThreadInit(ctx context.Context) (module.ThreadState, error) {
	atomic.AddInt32(&m.inits, 1)
	return "state", nil
}
func (m *fakeModule) ThreadDestroy(ctx context.Context, ts module.ThreadState) error { return nil }
func (m *fakeModule) Dispatch(ctx context.Context, ts module.ThreadState, req *request.Request) *request.Result {
	return request.OK()
}
func (m *fakeModule) Watchdog(ctx context.Context, ts module.ThreadState) {}
func (m *fakeModule) FhMagic() byte                                      { return 1 }
func (m *fakeModule) RootPayload() []byte                                { return []byte{0} }
func (m *fakeModule) Capabilities() module.Capabilities                  { return module.Capabilities{} }

func TestSubmitRunsJobOnLoop(t *testing.T) {
	th := New(0, 4)
	go th.Run()
	defer th.Stop()

	done := make(chan struct{})
	th.Submit(func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}

func TestModuleStateInitializedOncePerThread(t *testing.T) {
	th := New(0, 4)
	fm := &fakeModule{}
	inst := &module.Instance{Name: "fake", Module: fm}

	if _, err := th.ModuleState(context.Background(), inst); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := th.ModuleState(context.Background(), inst); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if fm.inits != 1 {
		t.Fatalf("expected ThreadInit called once, got %d", fm.inits)
	}
}
