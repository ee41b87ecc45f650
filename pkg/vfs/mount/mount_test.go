package mount

import (
	"testing"

	"github.com/chimera-nas/vfscore/pkg/vfs/module"
)

func inst(name string) *module.Instance {
	return &module.Instance{Name: name}
}

func TestAddRejectsOverlap(t *testing.T) {
	tr := New()
	if err := tr.Add("/export/a", inst("a"), Options{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tr.Add("/export/a/sub", inst("b"), Options{}); err != ErrOverlapping {
		t.Fatalf("expected ErrOverlapping, got %v", err)
	}
	if err := tr.Add("/export", inst("c"), Options{}); err != ErrOverlapping {
		t.Fatalf("expected ErrOverlapping for parent-of-existing, got %v", err)
	}
}

func TestResolveLongestPrefix(t *testing.T) {
	tr := New()
	_ = tr.Add("/export", inst("root"), Options{})
	_ = tr.Add("/export/deep", inst("deep"), Options{})

	m, ok := tr.Resolve("/export/deep/file.txt")
	if !ok || m.Instance.Name != "deep" {
		t.Fatalf("expected longest-prefix match 'deep', got %+v ok=%v", m, ok)
	}

	m, ok = tr.Resolve("/export/other/file.txt")
	if !ok || m.Instance.Name != "root" {
		t.Fatalf("expected fallback match 'root', got %+v ok=%v", m, ok)
	}
}

func TestRemoveThenResolveMisses(t *testing.T) {
	tr := New()
	_ = tr.Add("/export", inst("root"), Options{})
	if err := tr.Remove("/export"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := tr.Resolve("/export/file.txt"); ok {
		t.Fatal("expected no match after removal")
	}
}

func TestByIDRoutesToOwningMount(t *testing.T) {
	tr := New()
	_ = tr.Add("/export", inst("root"), Options{})

	snap := tr.Iterate()
	if len(snap) != 1 {
		t.Fatalf("expected 1 mount, got %d", len(snap))
	}

	m, ok := tr.ByID(snap[0].ID)
	if !ok || m.Instance.Name != "root" {
		t.Fatalf("expected ByID to resolve back to root, got %+v ok=%v", m, ok)
	}
}

func TestIterateIsSortedSnapshot(t *testing.T) {
	tr := New()
	_ = tr.Add("/b", inst("b"), Options{})
	_ = tr.Add("/a", inst("a"), Options{})

	snap := tr.Iterate()
	if len(snap) != 2 || snap[0].Path != "/a" || snap[1].Path != "/b" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}

	_ = tr.Remove("/a")
	if len(snap) != 2 {
		t.Fatal("snapshot must not be affected by later mutation")
	}
}
