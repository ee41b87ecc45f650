// Package attrs defines the VFS core's file attribute record and the
// request/response attribute mask used to avoid populating fields the
// caller never asked for.
package attrs

import "time"

// Mask is a bitmask of attribute fields a request wants populated, or a
// response has populated.
type Mask uint32

const (
	MaskType Mask = 1 << iota
	MaskMode
	MaskNlink
	MaskUID
	MaskGID
	MaskSize
	MaskSpaceUsed
	MaskATime
	MaskMTime
	MaskCTime
	MaskFileID

	MaskAll Mask = MaskType | MaskMode | MaskNlink | MaskUID | MaskGID |
		MaskSize | MaskSpaceUsed | MaskATime | MaskMTime | MaskCTime | MaskFileID
)

func (m Mask) Has(bit Mask) bool { return m&bit != 0 }

// Type enumerates the object kinds the VFS core recognizes.
type Type int

const (
	TypeRegular Type = iota
	TypeDirectory
	TypeSymlink
	TypeBlock
	TypeChar
	TypeFIFO
	TypeSocket
)

// Attrs is the VFS core's attribute record. Fields not covered by the
// Present mask are zero and must not be read.
type Attrs struct {
	Present   Mask
	Type      Type
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      uint64
	SpaceUsed uint64
	ATime     time.Time
	MTime     time.Time
	CTime     time.Time
	FileID    uint64
}

// Statfs is the response record for the STATFS verb (spec.md §4.10): the
// union of filesystem-level capacity counters a backend can report.
// Backends that cannot meaningfully report a field leave it zero.
type Statfs struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailBytes     uint64
	TotalFiles     uint64
	FreeFiles      uint64
	BlockSize      uint32
	MaxNameLen     uint32
}

// Project returns a copy of a with only the fields named by mask marked
// present, zeroing the rest. It is used by backend modules to honor a
// request's attribute mask before returning a response.
func (a Attrs) Project(mask Mask) Attrs {
	out := Attrs{Present: a.Present & mask}
	if out.Present.Has(MaskType) {
		out.Type = a.Type
	}
	if out.Present.Has(MaskMode) {
		out.Mode = a.Mode
	}
	if out.Present.Has(MaskNlink) {
		out.Nlink = a.Nlink
	}
	if out.Present.Has(MaskUID) {
		out.UID = a.UID
	}
	if out.Present.Has(MaskGID) {
		out.GID = a.GID
	}
	if out.Present.Has(MaskSize) {
		out.Size = a.Size
	}
	if out.Present.Has(MaskSpaceUsed) {
		out.SpaceUsed = a.SpaceUsed
	}
	if out.Present.Has(MaskATime) {
		out.ATime = a.ATime
	}
	if out.Present.Has(MaskMTime) {
		out.MTime = a.MTime
	}
	if out.Present.Has(MaskCTime) {
		out.CTime = a.CTime
	}
	if out.Present.Has(MaskFileID) {
		out.FileID = a.FileID
	}
	return out
}
