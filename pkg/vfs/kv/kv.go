// Package kv implements the VFS core's key-value facility (spec.md §4.9): a
// thin forwarding layer onto whichever backend module was designated as the
// KV backend at startup.
package kv

import (
	"context"

	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
)

// Iterator walks a half-open key range [start, end).
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Backend is what a module provides to serve the KV facility. Most backend
// modules do not implement this; only one module per deployment is
// designated as the KV backend (spec.md §4.9).
type Backend interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	// Search returns an Iterator over keys in [start, end).
	Search(ctx context.Context, start, end []byte) (Iterator, error)
}

// Facility is the public entry point used by the rest of the VFS core.
type Facility struct {
	backend Backend
}

// New builds a Facility forwarding to backend.
func New(backend Backend) *Facility {
	return &Facility{backend: backend}
}

func (f *Facility) checkBackend() error {
	if f.backend == nil {
		return vfserrors.New("kv", vfserrors.NOTSUPP)
	}
	return nil
}

// wrapBackendErr preserves a backend error's own Code when it already
// carries one (e.g. a cairn NOENT for a missing key), and only falls back
// to a generic IO code when the backend returned a bare error.
func wrapBackendErr(op string, err error) error {
	code := vfserrors.CodeOf(err)
	if code == vfserrors.SERVERFAULT {
		code = vfserrors.IO
	}
	return vfserrors.Wrap(op, code, "", err)
}

// Put stores value under key.
func (f *Facility) Put(ctx context.Context, key, value []byte) error {
	if err := f.checkBackend(); err != nil {
		return err
	}
	if err := f.backend.Put(ctx, key, value); err != nil {
		return wrapBackendErr("kv.put", err)
	}
	return nil
}

// Get retrieves the value stored under key.
func (f *Facility) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := f.checkBackend(); err != nil {
		return nil, err
	}
	v, err := f.backend.Get(ctx, key)
	if err != nil {
		return nil, wrapBackendErr("kv.get", err)
	}
	return v, nil
}

// Delete removes key.
func (f *Facility) Delete(ctx context.Context, key []byte) error {
	if err := f.checkBackend(); err != nil {
		return err
	}
	if err := f.backend.Delete(ctx, key); err != nil {
		return wrapBackendErr("kv.delete", err)
	}
	return nil
}

// Search returns an Iterator over the half-open range [start, end).
func (f *Facility) Search(ctx context.Context, start, end []byte) (Iterator, error) {
	if err := f.checkBackend(); err != nil {
		return nil, err
	}
	it, err := f.backend.Search(ctx, start, end)
	if err != nil {
		return nil, wrapBackendErr("kv.search", err)
	}
	return it, nil
}
