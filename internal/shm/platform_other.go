//go:build !linux && !windows

package shm

import "os"

var native Platform = unsupportedPlatform{}

// unsupportedPlatform fails every call. Regions on these systems are always invalid.
type unsupportedPlatform struct{}

func (unsupportedPlatform) CreateSharedObject(string, uint64) (Handle, error) {
	return InvalidHandle, ErrUnsupported
}

func (unsupportedPlatform) GetProtection(Handle) (Protection, error) {
	return Protection{}, ErrUnsupported
}

func (unsupportedPlatform) SetProtection(h Handle, _ Protection) (Handle, error) {
	return h, ErrUnsupported
}

func (unsupportedPlatform) DuplicateHandle(Handle) (Handle, error) {
	return InvalidHandle, ErrUnsupported
}

func (unsupportedPlatform) Size(Handle) (uint64, bool, error) {
	return 0, false, ErrUnsupported
}

func (unsupportedPlatform) Map(Handle, uint64, uint64, bool) ([]byte, error) {
	return nil, ErrUnsupported
}

func (unsupportedPlatform) Unmap([]byte) error {
	return ErrUnsupported
}

func (unsupportedPlatform) CloseHandle(Handle) error {
	return ErrUnsupported
}

func (unsupportedPlatform) PageSize() int {
	return os.Getpagesize()
}

func (unsupportedPlatform) Granularity() int {
	return os.Getpagesize()
}
