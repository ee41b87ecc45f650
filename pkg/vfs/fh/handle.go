// Package fh implements the VFS core's file-handle namespace: an opaque,
// byte-comparable identifier that names an object within a mounted backend
// module.
//
// Wire format (17..64 bytes total):
//
//	[0, 16)   mount ID        (128-bit, identifies the owning Mount)
//	[16]      module tag      (1 byte, identifies the backend module family)
//	[17, N)   backend payload (opaque to everything but that module)
package fh

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// MinLen is the smallest legal encoded handle: a mount ID, a tag, and
	// zero bytes of payload is not actually valid (a module always needs at
	// least one payload byte to distinguish objects), so MinLen reflects the
	// header only and is used for bounds checks, not as a producible value.
	MinLen = 17
	// MaxLen is the largest legal encoded handle.
	MaxLen = 64

	mountIDLen = 16
	tagOffset  = mountIDLen
	payloadOff = mountIDLen + 1
)

// ErrMalformed is returned when decoding a byte slice that cannot be a valid
// handle.
var ErrMalformed = errors.New("fh: malformed handle")

// MountID is the 128-bit identifier of the Mount a handle belongs to.
type MountID [mountIDLen]byte

// Handle is a value-object file handle. Two handles are equal iff their byte
// encodings are equal.
type Handle struct {
	Mount   MountID
	Tag     byte
	Payload []byte // 1..(MaxLen-MinLen) bytes
}

// New constructs a Handle from its constituent parts. It does not validate
// payload length against MaxLen; callers that decode from the wire should
// use Decode instead.
func New(mount MountID, tag byte, payload []byte) Handle {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Handle{Mount: mount, Tag: tag, Payload: p}
}

// Encode serializes the handle to its wire image.
func (h Handle) Encode() []byte {
	buf := make([]byte, payloadOff+len(h.Payload))
	copy(buf[0:mountIDLen], h.Mount[:])
	buf[tagOffset] = h.Tag
	copy(buf[payloadOff:], h.Payload)
	return buf
}

// Decode parses a wire-format handle, validating its length.
func Decode(b []byte) (Handle, error) {
	if len(b) < MinLen || len(b) > MaxLen {
		return Handle{}, fmt.Errorf("%w: length %d outside [%d,%d]", ErrMalformed, len(b), MinLen, MaxLen)
	}
	var h Handle
	copy(h.Mount[:], b[0:mountIDLen])
	h.Tag = b[tagOffset]
	h.Payload = append([]byte(nil), b[payloadOff:]...)
	return h, nil
}

// Equal reports byte-wise equality, the handle's defined equivalence
// relation.
func (h Handle) Equal(o Handle) bool {
	if h.Mount != o.Mount || h.Tag != o.Tag || len(h.Payload) != len(o.Payload) {
		return false
	}
	for i := range h.Payload {
		if h.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

// Fingerprint returns a 64-bit hash of the handle's wire encoding, suitable
// for use as a map/bucket key. It is not a cryptographic hash and carries no
// stability guarantee across process versions.
func (h Handle) Fingerprint() uint64 {
	return xxhash.Sum64(h.Encode())
}

// String renders the handle for logging: tag plus a hex payload, never the
// raw bytes of a caller-controlled path.
func (h Handle) String() string {
	return fmt.Sprintf("fh{mount=%x tag=%d payload=%x}", h.Mount, h.Tag, h.Payload)
}
