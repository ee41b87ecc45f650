// Package errors defines the VFS core's observable error-code enumeration
// and a StoreError-style wrapping type, in the idiom of the teacher's
// metadata.StoreError.
package errors

import (
	"errors"
	"fmt"
)

// Code is one of the VFS core's externally observable result codes. These
// map 1:1 onto the error-code enumeration a backend module's Dispatch may
// return, and onto what a protocol front-end (out of this repo's scope)
// would translate into its own wire error codes.
type Code int

const (
	OK Code = iota
	PERM
	NOENT
	IO
	NXIO
	ACCESS
	EXIST
	XDEV
	NODEV
	NOTDIR
	ISDIR
	INVAL
	FBIG
	NOSPC
	ROFS
	MLINK
	NAMETOOLONG
	NOTEMPTY
	DQUOT
	STALE
	REMOTE
	BADHANDLE
	NOTSYNC
	BADCOOKIE
	NOTSUPP
	TOOSMALL
	SERVERFAULT
	BADTYPE
	DELAY
	TIMEDOUT
	OVERFLOW
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case PERM:
		return "PERM"
	case NOENT:
		return "NOENT"
	case IO:
		return "IO"
	case NXIO:
		return "NXIO"
	case ACCESS:
		return "ACCESS"
	case EXIST:
		return "EXIST"
	case XDEV:
		return "XDEV"
	case NODEV:
		return "NODEV"
	case NOTDIR:
		return "NOTDIR"
	case ISDIR:
		return "ISDIR"
	case INVAL:
		return "INVAL"
	case FBIG:
		return "FBIG"
	case NOSPC:
		return "NOSPC"
	case ROFS:
		return "ROFS"
	case MLINK:
		return "MLINK"
	case NAMETOOLONG:
		return "NAMETOOLONG"
	case NOTEMPTY:
		return "NOTEMPTY"
	case DQUOT:
		return "DQUOT"
	case STALE:
		return "STALE"
	case REMOTE:
		return "REMOTE"
	case BADHANDLE:
		return "BADHANDLE"
	case NOTSYNC:
		return "NOT_SYNC"
	case BADCOOKIE:
		return "BAD_COOKIE"
	case NOTSUPP:
		return "NOTSUPP"
	case TOOSMALL:
		return "TOOSMALL"
	case SERVERFAULT:
		return "SERVERFAULT"
	case BADTYPE:
		return "BADTYPE"
	case DELAY:
		return "DELAY"
	case TIMEDOUT:
		return "TIMEDOUT"
	case OVERFLOW:
		return "OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Code with the operation and handle it applies to, and an
// optional underlying cause.
type Error struct {
	Code   Code
	Op     string
	Handle string // string form of the fh.Handle involved, if any
	Err    error
}

func (e *Error) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Handle, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error for op/code with no wrapped cause.
func New(op string, code Code) *Error {
	return &Error{Op: op, Code: code, Err: errFromCode(code)}
}

// Wrap builds an *Error for op/code around an existing cause.
func Wrap(op string, code Code, handle string, err error) *Error {
	return &Error{Op: op, Code: code, Handle: handle, Err: err}
}

// CodeOf extracts the Code carried by err, or SERVERFAULT if err does not
// carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return OK
	}
	return SERVERFAULT
}

func errFromCode(c Code) error {
	return errors.New(c.String())
}
