package kv

import (
	"bytes"
	"context"
	"testing"

	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
)

type memBackend struct {
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: map[string][]byte{}} }

func (m *memBackend) Put(ctx context.Context, key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, vfserrors.New("get", vfserrors.NOENT)
	}
	return v, nil
}

func (m *memBackend) Delete(ctx context.Context, key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *memBackend) Search(ctx context.Context, start, end []byte) (Iterator, error) {
	var keys [][]byte
	for k := range m.data {
		kb := []byte(k)
		if bytes.Compare(kb, start) >= 0 && bytes.Compare(kb, end) < 0 {
			keys = append(keys, kb)
		}
	}
	return &sliceIterator{backend: m, keys: keys, idx: -1}, nil
}

type sliceIterator struct {
	backend *memBackend
	keys    [][]byte
	idx     int
}

func (it *sliceIterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}
func (it *sliceIterator) Key() []byte   { return it.keys[it.idx] }
func (it *sliceIterator) Value() []byte { return it.backend.data[string(it.keys[it.idx])] }
func (it *sliceIterator) Err() error    { return nil }
func (it *sliceIterator) Close() error  { return nil }

func TestPutGetDelete(t *testing.T) {
	f := New(newMemBackend())
	ctx := context.Background()

	if err := f.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := f.Get(ctx, []byte("a"))
	if err != nil || string(v) != "1" {
		t.Fatalf("get: %v %q", err, v)
	}
	if err := f.Delete(ctx, []byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.Get(ctx, []byte("a")); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestSearchHalfOpenRange(t *testing.T) {
	f := New(newMemBackend())
	ctx := context.Background()
	_ = f.Put(ctx, []byte("a"), []byte("1"))
	_ = f.Put(ctx, []byte("b"), []byte("2"))
	_ = f.Put(ctx, []byte("c"), []byte("3"))

	it, err := f.Search(ctx, []byte("a"), []byte("c"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	defer it.Close()

	seen := map[string]bool{}
	for it.Next() {
		seen[string(it.Key())] = true
	}
	if !seen["a"] || !seen["b"] || seen["c"] {
		t.Fatalf("expected half-open range [a,c), got %v", seen)
	}
}

func TestNoBackendReturnsNotSupp(t *testing.T) {
	f := New(nil)
	if _, err := f.Get(context.Background(), []byte("a")); vfserrors.CodeOf(err) != vfserrors.NOTSUPP {
		t.Fatalf("expected NOTSUPP, got %v", err)
	}
}
