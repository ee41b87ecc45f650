package opencache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
)

func testHandle(tag byte) fh.Handle {
	return fh.New(fh.MountID{}, tag, []byte("payload"))
}

func TestOpenCoalescesConcurrentCalls(t *testing.T) {
	c := New(0, 0, nil)
	var opens int32

	var wg sync.WaitGroup
	h := testHandle(1)
	handles := make([]*Handle, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hd, err := c.Open(context.Background(), h, func(ctx context.Context) (any, error) {
				atomic.AddInt32(&opens, 1)
				time.Sleep(5 * time.Millisecond)
				return "state", nil
			}, nil)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			handles[i] = hd
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&opens) != 1 {
		t.Fatalf("expected exactly one backend open, got %d", opens)
	}
	for _, hd := range handles {
		if hd == nil || hd.State != "state" {
			t.Fatalf("expected shared state, got %+v", hd)
		}
		hd.Release()
	}
}

func TestSweepReclaimsIdleZeroRefEntries(t *testing.T) {
	c := New(5 * time.Millisecond, 0, nil)
	h := testHandle(2)
	closed := make(chan struct{}, 1)

	hd, err := c.Open(context.Background(), h, func(ctx context.Context) (any, error) {
		return "x", nil
	}, func(ctx context.Context, state any) {
		closed <- struct{}{}
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hd.Release()

	time.Sleep(20 * time.Millisecond)
	n := c.Sweep(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 entry reclaimed, got %d", n)
	}
	select {
	case <-closed:
	default:
		t.Fatal("expected CloseFunc to run")
	}
	if c.Len() != 0 {
		t.Fatalf("expected cache empty after reclaim, got %d entries", c.Len())
	}
}

func TestSweepSparesReferencedEntries(t *testing.T) {
	c := New(time.Microsecond, 0, nil)
	h := testHandle(3)

	hd, err := c.Open(context.Background(), h, func(ctx context.Context) (any, error) {
		return "x", nil
	}, func(ctx context.Context, state any) {
		t.Fatal("close must not run while referenced")
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer hd.Release()

	time.Sleep(2 * time.Millisecond)
	if n := c.Sweep(context.Background()); n != 0 {
		t.Fatalf("expected 0 reclaimed while referenced, got %d", n)
	}
}

func TestOpenPropagatesError(t *testing.T) {
	c := New(0, 0, nil)
	h := testHandle(4)

	_, err := c.Open(context.Background(), h, func(ctx context.Context) (any, error) {
		return nil, errBoom
	}, nil)
	if err != errBoom {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("expected failed open to leave no entry behind")
	}
}

func TestOpenEvictsIdleEntryAtCapacity(t *testing.T) {
	c := New(time.Hour, 2, nil)

	hd1, err := c.Open(context.Background(), testHandle(10), func(ctx context.Context) (any, error) {
		return "1", nil
	}, nil)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	hd1.Release() // idle, eligible for eviction

	hd2, err := c.Open(context.Background(), testHandle(11), func(ctx context.Context) (any, error) {
		return "2", nil
	}, nil)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer hd2.Release()

	// At capacity (2 entries). A third open must evict the idle entry (#1)
	// rather than fail, and must never touch the live entry (#2).
	hd3, err := c.Open(context.Background(), testHandle(12), func(ctx context.Context) (any, error) {
		return "3", nil
	}, nil)
	if err != nil {
		t.Fatalf("open 3: %v", err)
	}
	defer hd3.Release()

	if c.Len() != 2 {
		t.Fatalf("expected idle-LRU eviction to keep the cache at capacity, got %d entries", c.Len())
	}
	if _, ok := c.entries[key(testHandle(11))]; !ok {
		t.Fatal("expected the still-referenced entry to survive eviction")
	}
}

func TestOpenReturnsNoSpcWhenNoIdleEntryToEvict(t *testing.T) {
	c := New(time.Hour, 1, nil)

	hd, err := c.Open(context.Background(), testHandle(20), func(ctx context.Context) (any, error) {
		return "x", nil
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer hd.Release()

	_, err = c.Open(context.Background(), testHandle(21), func(ctx context.Context) (any, error) {
		t.Fatal("openFn must not run when the cache has no room")
		return nil, nil
	}, nil)
	if vfserrors.CodeOf(err) != vfserrors.NOSPC {
		t.Fatalf("expected NOSPC, got %v", err)
	}
}

var errBoom = &testErr{"boom"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }
