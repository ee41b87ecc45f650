// Package request defines the VFS core's request record: the op-agnostic
// envelope dispatched to a backend module, and a free-list pool of them so
// the hot path doesn't allocate one per call.
package request

import (
	"sync"
	"time"

	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	"github.com/chimera-nas/vfscore/pkg/vfs/cred"
	"github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/iovec"
)

// Op identifies which public VFS verb a Request carries.
type Op int

const (
	OpLookup Op = iota
	OpGetAttr
	OpSetAttr
	OpRead
	OpWrite
	OpCreate
	OpMkdir
	OpRemove
	OpRmdir
	OpRename
	OpSymlink
	OpReadlink
	OpLink
	OpReaddir
	OpOpen
	OpClose
	OpCommit
	OpStatfs
)

func (o Op) String() string {
	names := [...]string{
		"LOOKUP", "GETATTR", "SETATTR", "READ", "WRITE", "CREATE", "MKDIR",
		"REMOVE", "RMDIR", "RENAME", "SYMLINK", "READLINK", "LINK",
		"READDIR", "OPEN", "CLOSE", "COMMIT", "STATFS",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "UNKNOWN"
}

// DirEntry is one entry returned from a READDIR dispatch.
type DirEntry struct {
	Name   string
	Handle fh.Handle
	Cookie uint64
	Attrs  attrs.Attrs
}

// Request is the envelope passed to a backend module's Dispatch method. Not
// every field applies to every Op; Dispatch implementations read only the
// fields their Op defines.
type Request struct {
	Op       Op
	Handle   fh.Handle // primary object, e.g. directory for LOOKUP/CREATE
	Target   fh.Handle // secondary object, e.g. rename destination directory
	Cred     cred.Cred
	Name     string // child name for LOOKUP/CREATE/REMOVE/RENAME/SYMLINK
	NewName  string // destination name for RENAME/LINK
	AttrMask attrs.Mask
	SetAttrs attrs.Attrs

	Offset uint64
	Count  uint32
	Iovecs []iovec.Vec // scatter/gather buffers for READ/WRITE

	Cookie    uint64 // READDIR continuation cookie
	MaxCount  uint32 // READ byte budget; READDIR entry-count limit
	LinkValue string // SYMLINK target

	// OpenState carries the backend's open cookie (as returned from OPEN's
	// Result.OpenState) into READ/WRITE/COMMIT/CLOSE so a module whose
	// Capabilities.RequiresOpen is true can operate on the already-open
	// resource instead of re-resolving it by handle.
	OpenState any

	Submitted time.Time
	Deadline  time.Time
}

// Result is what a Dispatch call produces.
type Result struct {
	Code       errors.Code
	Handle     fh.Handle
	Attrs      attrs.Attrs
	Data       []byte
	N          int // bytes actually transferred for READ/WRITE
	EOF        bool
	Entries    []DirEntry
	NextCookie uint64
	Statfs     attrs.Statfs

	// OpenState is an OPEN Dispatch's backend cookie, threaded back into
	// later READ/WRITE/COMMIT/CLOSE requests via Request.OpenState.
	OpenState any

	Err error
}

// OK builds a successful zero-value Result.
func OK() *Result {
	return &Result{Code: errors.OK}
}

// Fail builds a failed Result carrying code and err.
func Fail(code errors.Code, err error) *Result {
	return &Result{Code: code, Err: err}
}

var pool = sync.Pool{
	New: func() any { return new(Request) },
}

// Get returns a zeroed Request from the free list.
func Get() *Request {
	r := pool.Get().(*Request)
	*r = Request{}
	return r
}

// Put returns r to the free list. Callers must not touch r afterward.
func Put(r *Request) {
	pool.Put(r)
}
