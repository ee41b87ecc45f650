// Package iovec implements a scatter/gather cursor over a list of buffers,
// in the spirit of the original daemon's evpl_iovec_cursor: a single
// position that can be advanced, copied from, or copied into across buffer
// boundaries without the caller tracking which buffer and offset it's in.
package iovec

import (
	"errors"
	"unsafe"
)

// ErrShortBuffer is returned when an operation runs past the end of the
// cursor's remaining bytes.
var ErrShortBuffer = errors.New("iovec: short buffer")

// Vec is one scatter/gather segment.
type Vec struct {
	Base []byte
}

// Len returns the total length of vecs.
func Len(vecs []Vec) int {
	n := 0
	for _, v := range vecs {
		n += len(v.Base)
	}
	return n
}

// Cursor walks a list of Vecs as a single logical byte stream.
type Cursor struct {
	vecs   []Vec
	vecIdx int
	off    int // offset within vecs[vecIdx]
	remain int
}

// NewCursor builds a Cursor over vecs.
func NewCursor(vecs []Vec) *Cursor {
	return &Cursor{vecs: vecs, remain: Len(vecs)}
}

// Remaining returns the number of bytes left before the cursor is
// exhausted.
func (c *Cursor) Remaining() int {
	return c.remain
}

// Skip advances the cursor by n bytes without copying, as when discarding a
// gather segment the caller doesn't want.
func (c *Cursor) Skip(n int) error {
	if n > c.remain {
		return ErrShortBuffer
	}
	for n > 0 {
		avail := len(c.vecs[c.vecIdx].Base) - c.off
		take := avail
		if take > n {
			take = n
		}
		c.off += take
		n -= take
		c.remain -= take
		if c.off == len(c.vecs[c.vecIdx].Base) {
			c.vecIdx++
			c.off = 0
		}
	}
	return nil
}

// CopyOut copies the next len(dst) bytes from the cursor into dst, advancing
// the cursor, crossing as many underlying Vecs as necessary.
func (c *Cursor) CopyOut(dst []byte) (int, error) {
	if len(dst) > c.remain {
		return 0, ErrShortBuffer
	}
	total := 0
	for total < len(dst) {
		seg := c.vecs[c.vecIdx].Base
		avail := len(seg) - c.off
		take := avail
		if rem := len(dst) - total; take > rem {
			take = rem
		}
		copy(dst[total:total+take], seg[c.off:c.off+take])
		c.off += take
		total += take
		c.remain -= take
		if c.off == len(seg) {
			c.vecIdx++
			c.off = 0
		}
	}
	return total, nil
}

// CopyIn copies src into the cursor's remaining space, advancing the
// cursor, crossing Vec boundaries as necessary.
func (c *Cursor) CopyIn(src []byte) (int, error) {
	if len(src) > c.remain {
		return 0, ErrShortBuffer
	}
	total := 0
	for total < len(src) {
		seg := c.vecs[c.vecIdx].Base
		avail := len(seg) - c.off
		take := avail
		if rem := len(src) - total; take > rem {
			take = rem
		}
		copy(seg[c.off:c.off+take], src[total:total+take])
		c.off += take
		total += take
		c.remain -= take
		if c.off == len(seg) {
			c.vecIdx++
			c.off = 0
		}
	}
	return total, nil
}

// Bytes materializes the cursor's remaining bytes into a single contiguous
// slice. It leaves the cursor's position unchanged, so a following
// CopyOut or Skip starts from the same place.
func (c *Cursor) Bytes() []byte {
	out := make([]byte, c.remain)
	saved := *c
	_, _ = c.CopyOut(out)
	*c = saved
	return out
}

// Alignment helpers, used by backends that issue unbuffered/direct I/O
// (O_DIRECT and friends) where the kernel requires the offset, length, and
// memory address of a transfer to all be multiples of the device's logical
// block size.

// AlignDown rounds n down to the nearest multiple of align. align must be a
// power of two.
func AlignDown(n, align int) int {
	return n &^ (align - 1)
}

// AlignUp rounds n up to the nearest multiple of align. align must be a
// power of two.
func AlignUp(n, align int) int {
	return AlignDown(n+align-1, align)
}

// IsAligned reports whether n is a multiple of align. align must be a power
// of two.
func IsAligned(n, align int) bool {
	return n&(align-1) == 0
}

// AlignedBuffer allocates a byte slice of at least size bytes whose first
// byte sits on an align-byte boundary, by over-allocating and slicing off
// any leading pad. Go's allocator gives no alignment guarantee stronger than
// the platform's pointer size, so a buffer handed to O_DIRECT I/O must be
// carved out this way rather than assumed aligned.
func AlignedBuffer(size, align int) []byte {
	buf := make([]byte, size+align)
	addr := int(uintptr(unsafe.Pointer(&buf[0])))
	pad := AlignUp(addr, align) - addr
	return buf[pad : pad+size]
}
