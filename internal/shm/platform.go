// Package shm contains the platform layer behind shared memory regions: creating anonymous shared
// objects, querying and dropping their write permission, duplicating handles and mapping them.
package shm

import (
	"errors"
	"strconv"
)

// Handle is an OS reference to a shared memory object: a file descriptor on Unix, a HANDLE on
// Windows.
type Handle uintptr

// InvalidHandle never refers to a shared memory object.
const InvalidHandle = ^Handle(0)

func (h Handle) String() string {
	if h == InvalidHandle {
		return "invalid"
	}
	return strconv.FormatUint(uint64(h), 10)
}

// Protection is the access a handle grants to the object it refers to.
type Protection struct {
	Readable bool
	Writable bool
}

var (
	ReadWrite = Protection{Readable: true, Writable: true}
	ReadOnly  = Protection{Readable: true}
)

// Platform is the capability surface the region layer needs from the OS.
type Platform interface {
	// CreateSharedObject allocates a fresh anonymous object of size bytes, readable and writable.
	CreateSharedObject(name string, size uint64) (Handle, error)
	// GetProtection reports the access the handle actually grants.
	GetProtection(h Handle) (Protection, error)
	// SetProtection restricts the object behind h. The returned handle replaces h, which may have
	// been closed; on error h is left untouched.
	SetProtection(h Handle, p Protection) (Handle, error)
	DuplicateHandle(h Handle) (Handle, error)
	// Size reports the current size of the object behind h, and whether it is fixed: no holder of
	// any handle can shrink it any more.
	Size(h Handle) (size uint64, fixed bool, err error)
	// Map maps length bytes starting at offset, which must be a multiple of Granularity.
	Map(h Handle, offset, length uint64, writable bool) ([]byte, error)
	Unmap(b []byte) error
	CloseHandle(h Handle) error
	// PageSize is the minimum alignment of a mapping's base address.
	PageSize() int
	// Granularity is the alignment required of Map offsets.
	Granularity() int
}

// Error records a failed OS call.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "shm: " + e.Op + ": " + e.Err.Error()
	}
	return "shm: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrUnsupported          = errors.New("shm: shared memory is not supported on this platform")
	ErrIrreversible         = errors.New("shm: write permission cannot be restored")
	ErrUnreadableProtection = errors.New("shm: protection without read access is not supported")
	// ErrWritableMappings is returned when write access cannot be dropped while writable mappings
	// of the object exist. Only Linux kernels older than 5.1 report it.
	ErrWritableMappings = errors.New("shm: object still has writable mappings")
)

// Native returns the platform implementation for the running OS.
func Native() Platform {
	return native
}
