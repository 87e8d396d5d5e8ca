package shm

import (
	"github.com/google/uuid"
)

// ID is an unguessable 128-bit token that correlates a region with its duplicates, its mappings
// and its copies in other processes. It is a diagnostics label, never a capability.
type ID [16]byte

// NewID returns a fresh random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the canonical textual form produced by String.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id was never assigned.
func (id ID) IsZero() bool {
	return id == ID{}
}

// dumpName is the name a region is given at the OS level so it can be told apart in /proc and
// debugging tools.
func (id ID) dumpName() string {
	return "shm-region-" + id.String()
}
