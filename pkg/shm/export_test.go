package shm

import (
	"errors"

	internalshm "github.com/srediag/shm-region/internal/shm"
)

// swapPlatform installs p for the duration of a test.
func swapPlatform(p internalshm.Platform) (restore func()) {
	old := platform
	platform = p
	return func() { platform = old }
}

var errDenied = errors.New("denied")

// sealRefusingPlatform fails every attempt to drop write access.
type sealRefusingPlatform struct {
	internalshm.Platform
}

func (p sealRefusingPlatform) SetProtection(h Handle, want internalshm.Protection) (Handle, error) {
	if !want.Writable {
		return h, &internalshm.Error{Op: "set protection", Err: errDenied}
	}
	return p.Platform.SetProtection(h, want)
}

// busySealPlatform refuses to drop write access the way kernels without F_SEAL_FUTURE_WRITE do
// while a writable mapping exists.
type busySealPlatform struct {
	internalshm.Platform
}

func (p busySealPlatform) SetProtection(h Handle, want internalshm.Protection) (Handle, error) {
	if !want.Writable {
		return h, &internalshm.Error{Op: "fcntl(F_SEAL_WRITE)", Err: internalshm.ErrWritableMappings}
	}
	return p.Platform.SetProtection(h, want)
}

// unmapRefusingPlatform fails every unmap.
type unmapRefusingPlatform struct {
	internalshm.Platform
}

func (unmapRefusingPlatform) Unmap([]byte) error {
	return &internalshm.Error{Op: "munmap", Err: errDenied}
}

// recoverViolation runs f and returns the error it panicked with, or nil if it did not panic.
func recoverViolation(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
			if err == nil {
				err = errors.New("panic with non-error value")
			}
		}
	}()
	f()
	return nil
}
