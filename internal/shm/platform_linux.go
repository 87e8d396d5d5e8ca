//go:build linux

package shm

import (
	"errors"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

const writeSeals = unix.F_SEAL_WRITE | unix.F_SEAL_FUTURE_WRITE

var native Platform = linuxPlatform{pageSize: os.Getpagesize()}

// linuxPlatform backs regions with sealable memfds. The size is sealed at creation and read-only
// is expressed as a write seal, which the kernel never lets anyone remove.
type linuxPlatform struct {
	pageSize int
	// noFutureWrite skips F_SEAL_FUTURE_WRITE, as kernels before 5.1 do.
	noFutureWrite bool
}

func (p linuxPlatform) CreateSharedObject(name string, size uint64) (Handle, error) {
	if size == 0 || size > math.MaxInt64 {
		return InvalidHandle, &Error{Op: "memfd_create", Err: unix.EINVAL}
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return InvalidHandle, &Error{Op: "memfd_create", Err: err}
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return InvalidHandle, &Error{Op: "ftruncate", Err: err}
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		_ = unix.Close(fd)
		return InvalidHandle, &Error{Op: "fcntl(F_ADD_SEALS)", Err: err}
	}
	return Handle(fd), nil
}

func (p linuxPlatform) GetProtection(h Handle) (Protection, error) {
	flags, err := unix.FcntlInt(uintptr(h), unix.F_GETFL, 0)
	if err != nil {
		return Protection{}, &Error{Op: "fcntl(F_GETFL)", Err: err}
	}
	var prot Protection
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		prot.Readable = true
	case unix.O_RDWR:
		prot.Readable = true
		prot.Writable = true
	case unix.O_WRONLY:
		prot.Writable = true
	}
	seals, err := unix.FcntlInt(uintptr(h), unix.F_GET_SEALS, 0)
	switch {
	case errors.Is(err, unix.EINVAL):
		// not a memfd, or sealing unsupported: the access mode is all there is
	case err != nil:
		return Protection{}, &Error{Op: "fcntl(F_GET_SEALS)", Err: err}
	case seals&writeSeals != 0:
		prot.Writable = false
	}
	return prot, nil
}

func (p linuxPlatform) SetProtection(h Handle, want Protection) (Handle, error) {
	if !want.Readable {
		return h, ErrUnreadableProtection
	}
	cur, err := p.GetProtection(h)
	if err != nil {
		return h, err
	}
	if want.Writable {
		if !cur.Writable {
			return h, ErrIrreversible
		}
		return h, nil
	}
	if !cur.Writable {
		return h, nil
	}
	// F_SEAL_FUTURE_WRITE keeps existing writable mappings usable; F_SEAL_WRITE is the fallback
	// for kernels older than 5.1 and fails with EBUSY while such mappings exist.
	if !p.noFutureWrite {
		_, err := unix.FcntlInt(uintptr(h), unix.F_ADD_SEALS, unix.F_SEAL_FUTURE_WRITE)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, unix.EINVAL) {
			return h, &Error{Op: "fcntl(F_SEAL_FUTURE_WRITE)", Err: err}
		}
	}
	if _, err := unix.FcntlInt(uintptr(h), unix.F_ADD_SEALS, unix.F_SEAL_WRITE); err != nil {
		if errors.Is(err, unix.EBUSY) {
			err = fmt.Errorf("%w: %w", ErrWritableMappings, err)
		}
		return h, &Error{Op: "fcntl(F_SEAL_WRITE)", Err: err}
	}
	return h, nil
}

func (p linuxPlatform) Size(h Handle) (uint64, bool, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(h), &st); err != nil {
		return 0, false, &Error{Op: "fstat", Err: err}
	}
	if st.Size < 0 {
		return 0, false, &Error{Op: "fstat", Err: unix.EINVAL}
	}
	seals, err := unix.FcntlInt(uintptr(h), unix.F_GET_SEALS, 0)
	switch {
	case errors.Is(err, unix.EINVAL):
		// not a memfd: anyone with write access may truncate it
		return uint64(st.Size), false, nil
	case err != nil:
		return 0, false, &Error{Op: "fcntl(F_GET_SEALS)", Err: err}
	}
	return uint64(st.Size), seals&unix.F_SEAL_SHRINK != 0, nil
}

func (p linuxPlatform) DuplicateHandle(h Handle) (Handle, error) {
	fd, err := unix.FcntlInt(uintptr(h), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return InvalidHandle, &Error{Op: fmt.Sprintf("dup(%d)", h), Err: err}
	}
	return Handle(fd), nil
}

func (p linuxPlatform) Map(h Handle, offset, length uint64, writable bool) ([]byte, error) {
	if length == 0 || length > math.MaxInt || offset > math.MaxInt64 {
		return nil, &Error{Op: "mmap", Err: unix.EINVAL}
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(h), int64(offset), int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("mmap(%d)", h), Err: err}
	}
	return b, nil
}

func (p linuxPlatform) Unmap(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

func (p linuxPlatform) CloseHandle(h Handle) error {
	if err := unix.Close(int(h)); err != nil {
		return &Error{Op: fmt.Sprintf("close(%d)", h), Err: err}
	}
	return nil
}

func (p linuxPlatform) PageSize() int {
	return p.pageSize
}

func (p linuxPlatform) Granularity() int {
	return p.pageSize
}
