// Package segment defines the Segment abstraction memmgr hands between the
// builder and readers: an opaque handle to a region of memory holding one
// generation of loaded zone data.
//
// The actual memory-mapping primitive is an external collaborator (see
// SPEC_FULL.md §12) — this package only describes the handle and its
// serializable attach parameters, plus a minimal file-backed default so the
// rest of the module is runnable without a real mmap backend.
package segment

import "os"

// Role distinguishes which side of a SegmentInfo pair a reset parameter is
// requested for.
type Role int

const (
	// RoleReader requests the attach parameters of the currently readable
	// segment.
	RoleReader Role = iota
	// RoleWriter requests the attach parameters of the currently writable
	// segment.
	RoleWriter
)

// String implements fmt.Stringer.
//
// Used in "zap" log fields.
func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	default:
		return "unknown"
	}
}

// ResetParam is the opaque, serializable description a reader needs to
// attach to a Segment. It rides inside an info_update message.
type ResetParam struct {
	// Path identifies the mapped segment file.
	Path string `yaml:"path" json:"path"`
	// Mode is the file mode the segment was created with.
	Mode os.FileMode `yaml:"mode" json:"mode"`
}

// Segment is an abstract handle to a region of memory that holds one
// generation of loaded zone data. memmgr never reads zone data through it;
// it only passes the handle to a Loader and exposes its ResetParam to
// readers.
type Segment interface {
	// ResetParam returns the attach parameters for this segment, or false
	// if the segment has not yet been populated by a load.
	ResetParam() (ResetParam, bool)
}
