package shm

import (
	"errors"
	"fmt"

	internalshm "github.com/srediag/shm-region/internal/shm"
)

var (
	// ErrContractViolation is wrapped by the values of panics raised on API misuse, such as
	// duplicating a writable region.
	ErrContractViolation = errors.New("shm: contract violation")

	ErrInvalidRegion      = errors.New("shm: invalid region")
	ErrInvalidSize        = errors.New("shm: invalid region size")
	ErrInvalidRange       = errors.New("shm: mapping range out of bounds")
	ErrInvalidHandle      = errors.New("shm: invalid platform handle")
	ErrPermissionMismatch = errors.New("shm: handle permissions do not match mode")

	// ErrWritableMappings is returned by CreateMappedReadOnly on kernels that refuse to seal an
	// object while it is mapped for writing.
	ErrWritableMappings = internalshm.ErrWritableMappings

	// ErrUnsupported is returned on systems without a shared memory backend.
	ErrUnsupported = internalshm.ErrUnsupported
)

// violation logs and panics. Misuse is a bug in the caller, not a condition to recover from.
func violation(format string, a ...interface{}) {
	err := fmt.Errorf("%w: "+format, append([]interface{}{ErrContractViolation}, a...)...)
	logger.Errorf("%v", err)
	panic(err)
}
