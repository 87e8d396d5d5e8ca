package shm

import "fmt"

// Mode is the access mode a region's handle is restricted to.
type Mode uint8

const (
	// ModeReadOnly regions can only be mapped for reading and may be duplicated freely. They only
	// come into existence by converting a writable region.
	ModeReadOnly Mode = iota
	// ModeWritable regions can be mapped for writing, converted to read-only once, and never
	// duplicated, so at most one writable handle exists.
	ModeWritable
	// ModeUnsafe regions are writable and freely duplicable. Nothing bounds the number of writers.
	ModeUnsafe
)

func (m Mode) String() string {
	switch m {
	case ModeReadOnly:
		return "read-only"
	case ModeWritable:
		return "writable"
	case ModeUnsafe:
		return "unsafe"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode returns the mode whose String form is s.
func ParseMode(s string) (Mode, error) {
	for m := ModeReadOnly; m.Valid(); m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m <= ModeUnsafe
}

// allowsWrite reports whether handles of mode m must grant write access.
func (m Mode) allowsWrite() bool {
	return m != ModeReadOnly
}
