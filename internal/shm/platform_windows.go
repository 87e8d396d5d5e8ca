//go:build windows

package shm

import (
	"errors"
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// SECTION_QUERY lets the holder of a read-only handle query the section size.
const sectionQuery = 0x0001

const allocationGranularity = 64 << 10

var native Platform = windowsPlatform{pageSize: os.Getpagesize()}

// windowsPlatform backs regions with pagefile-backed sections. Read-only is a handle duplicated
// without FILE_MAP_WRITE access; the writable handle is closed.
type windowsPlatform struct {
	pageSize int
}

func (p windowsPlatform) CreateSharedObject(_ string, size uint64) (Handle, error) {
	if size == 0 {
		return InvalidHandle, &Error{Op: "CreateFileMapping", Err: windows.ERROR_INVALID_PARAMETER}
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(size>>32), uint32(size), nil)
	if err != nil {
		return InvalidHandle, &Error{Op: "CreateFileMapping", Err: err}
	}
	return Handle(h), nil
}

// GetProtection probes the handle by mapping a single view, since section handles do not expose
// their granted access directly.
func (p windowsPlatform) GetProtection(h Handle) (Protection, error) {
	var prot Protection
	if addr, err := windows.MapViewOfFile(windows.Handle(h), windows.FILE_MAP_WRITE, 0, 0, 1); err == nil {
		_ = windows.UnmapViewOfFile(addr)
		prot.Writable = true
		prot.Readable = true
		return prot, nil
	} else if !errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		return Protection{}, &Error{Op: "MapViewOfFile", Err: err}
	}
	addr, err := windows.MapViewOfFile(windows.Handle(h), windows.FILE_MAP_READ, 0, 0, 1)
	if err != nil {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return prot, nil
		}
		return Protection{}, &Error{Op: "MapViewOfFile", Err: err}
	}
	_ = windows.UnmapViewOfFile(addr)
	prot.Readable = true
	return prot, nil
}

func (p windowsPlatform) SetProtection(h Handle, want Protection) (Handle, error) {
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
	proc := windows.CurrentProcess()
	var ro windows.Handle
	if err := windows.DuplicateHandle(proc, windows.Handle(h), proc, &ro,
		windows.FILE_MAP_READ|sectionQuery, false, 0); err != nil {
		return h, &Error{Op: "DuplicateHandle", Err: err}
	}
	_ = windows.CloseHandle(windows.Handle(h))
	return Handle(ro), nil
}

func (p windowsPlatform) DuplicateHandle(h Handle) (Handle, error) {
	proc := windows.CurrentProcess()
	var dup windows.Handle
	if err := windows.DuplicateHandle(proc, windows.Handle(h), proc, &dup, 0, false,
		windows.DUPLICATE_SAME_ACCESS); err != nil {
		return InvalidHandle, &Error{Op: "DuplicateHandle", Err: err}
	}
	return Handle(dup), nil
}

// Size maps the whole section to read the size of the view. Sections never shrink, and the view
// is rounded up to whole pages, all of which are readable.
func (p windowsPlatform) Size(h Handle) (uint64, bool, error) {
	addr, err := windows.MapViewOfFile(windows.Handle(h), windows.FILE_MAP_READ, 0, 0, 0)
	if err != nil {
		return 0, false, &Error{Op: "MapViewOfFile", Err: err}
	}
	defer windows.UnmapViewOfFile(addr) //nolint:errcheck
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return 0, false, &Error{Op: "VirtualQuery", Err: err}
	}
	return uint64(mbi.RegionSize), true, nil
}

func (p windowsPlatform) Map(h Handle, offset, length uint64, writable bool) ([]byte, error) {
	if length == 0 || length > math.MaxInt {
		return nil, &Error{Op: "MapViewOfFile", Err: windows.ERROR_INVALID_PARAMETER}
	}
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		access |= windows.FILE_MAP_WRITE
	}
	addr, err := windows.MapViewOfFile(windows.Handle(h), access, uint32(offset>>32), uint32(offset), uintptr(length))
	if err != nil {
		return nil, &Error{Op: "MapViewOfFile", Err: err}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length)), nil
}

func (p windowsPlatform) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&b[0]))); err != nil {
		return &Error{Op: "UnmapViewOfFile", Err: err}
	}
	return nil
}

func (p windowsPlatform) CloseHandle(h Handle) error {
	if err := windows.CloseHandle(windows.Handle(h)); err != nil {
		return &Error{Op: "CloseHandle", Err: err}
	}
	return nil
}

func (p windowsPlatform) PageSize() int {
	return p.pageSize
}

func (p windowsPlatform) Granularity() int {
	return allocationGranularity
}
