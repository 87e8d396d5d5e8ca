package shm

import (
	"fmt"
	"math"
	"math/bits"
	"runtime"
	"unsafe"

	"github.com/srediag/shm-region/internal/debug"
	internalshm "github.com/srediag/shm-region/internal/shm"
)

// MaxRegionSize bounds region sizes so offsets and sizes survive 32-bit OS interfaces.
const MaxRegionSize = math.MaxInt32

// Handle is the OS reference carried across process boundaries.
type Handle = internalshm.Handle

// InvalidHandle is the Handle of an invalid region.
const InvalidHandle = internalshm.InvalidHandle

var (
	logger   = debug.New("shm", nil)
	platform = internalshm.Native()
)

// PlatformRegion owns exactly one shared memory handle together with the mode, size and ID that
// describe it. Most callers want one of the typed wrappers instead: WritableRegion,
// ReadOnlyRegion or UnsafeRegion.
//
// A PlatformRegion is not safe for concurrent use. Its zero value is invalid.
type PlatformRegion struct {
	handle Handle
	valid  bool
	mode   Mode
	size   uint64
	id     ID
}

func newPlatformRegion(h Handle, mode Mode, size uint64, id ID) *PlatformRegion {
	r := &PlatformRegion{handle: h, valid: true, mode: mode, size: size, id: id}
	runtime.SetFinalizer(r, (*PlatformRegion).finalize)
	return r
}

func (r *PlatformRegion) finalize() {
	if r.valid {
		logger.Warnf("region %s (%s, %d bytes) was never closed", r.id, r.mode, r.size)
		_ = r.Close()
	}
}

func checkSize(size uint64) error {
	if size == 0 || size > MaxRegionSize {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return nil
}

// CreatePlatformRegion creates a region of size bytes in mode, which must be ModeWritable or
// ModeUnsafe; read-only regions are made by converting a writable one, and asking for one here
// panics. The region is backed by a new OS object mapped read-write.
//
// On failure the returned region is invalid and err says why.
func CreatePlatformRegion(mode Mode, size uint64) (*PlatformRegion, error) {
	if mode == ModeReadOnly {
		violation("creating a region in read-only mode would make it non-modifiable")
	}
	if !mode.Valid() {
		violation("unknown mode %s", mode)
	}
	if err := checkSize(size); err != nil {
		return &PlatformRegion{}, err
	}

	id := NewID()
	h, err := platform.CreateSharedObject(id.dumpName(), size)
	if err != nil {
		logger.Errorf("create %s region of %d bytes: %v", mode, size, err)
		return &PlatformRegion{}, err
	}
	if h, err = platform.SetProtection(h, internalshm.ReadWrite); err != nil {
		logger.Errorf("set read-write protection on new region %s: %v", id, err)
		_ = platform.CloseHandle(h)
		return &PlatformRegion{}, err
	}
	logger.Debugf("created %s region %s of %d bytes", mode, id, size)
	return newPlatformRegion(h, mode, size, id), nil
}

// CreateWritable is CreatePlatformRegion(ModeWritable, size).
func CreateWritable(size uint64) (*PlatformRegion, error) {
	return CreatePlatformRegion(ModeWritable, size)
}

// CreateUnsafe is CreatePlatformRegion(ModeUnsafe, size).
func CreateUnsafe(size uint64) (*PlatformRegion, error) {
	return CreatePlatformRegion(ModeUnsafe, size)
}

// TakePlatformRegion rebuilds a region from a handle received from another process. It takes
// ownership of h: on failure h is closed.
//
// The handle's real OS permissions must agree with mode. A read-only claim on a writable handle,
// or a writable claim on a read-only one, means the sender is confused or hostile, and the handle
// is rejected with ErrPermissionMismatch. An object smaller than size, or one whose size is not
// sealed against shrinking, is rejected with ErrInvalidSize.
func TakePlatformRegion(h Handle, mode Mode, size uint64, id ID) (*PlatformRegion, error) {
	if h == InvalidHandle {
		return &PlatformRegion{}, ErrInvalidHandle
	}
	reject := func(err error) (*PlatformRegion, error) {
		if cerr := platform.CloseHandle(h); cerr != nil {
			logger.Warnf("close rejected handle %s: %v", h, cerr)
		}
		return &PlatformRegion{}, err
	}
	if !mode.Valid() {
		return reject(fmt.Errorf("%w: unknown mode %s", ErrPermissionMismatch, mode))
	}
	if err := checkSize(size); err != nil {
		return reject(err)
	}
	if err := checkHandlePermissions(h, mode); err != nil {
		logger.Errorf("take region %s: %v", id, err)
		return reject(err)
	}
	if err := checkHandleSize(h, size); err != nil {
		logger.Errorf("take region %s: %v", id, err)
		return reject(err)
	}
	return newPlatformRegion(h, mode, size, id), nil
}

func checkHandlePermissions(h Handle, mode Mode) error {
	prot, err := platform.GetProtection(h)
	if err != nil {
		return err
	}
	switch {
	case !prot.Readable:
		return fmt.Errorf("%w: handle is not readable", ErrPermissionMismatch)
	case prot.Writable && !mode.allowsWrite():
		return fmt.Errorf("%w: handle is writable but mode is %s", ErrPermissionMismatch, mode)
	case !prot.Writable && mode.allowsWrite():
		return fmt.Errorf("%w: handle is read-only but mode is %s", ErrPermissionMismatch, mode)
	}
	return nil
}

// checkHandleSize rejects objects smaller than the claimed size, and objects a peer could still
// shrink: touching a mapped page past the end of the object raises SIGBUS.
func checkHandleSize(h Handle, size uint64) error {
	actual, fixed, err := platform.Size(h)
	if err != nil {
		return err
	}
	switch {
	case actual < size:
		return fmt.Errorf("%w: object holds %d bytes, %d claimed", ErrInvalidSize, actual, size)
	case !fixed:
		return fmt.Errorf("%w: object size is not sealed", ErrInvalidSize)
	}
	return nil
}

// IsValid reports whether r owns a handle.
func (r *PlatformRegion) IsValid() bool {
	return r != nil && r.valid
}

// Mode returns the region's mode. It is meaningless for invalid regions.
func (r *PlatformRegion) Mode() Mode {
	if r == nil {
		return ModeReadOnly
	}
	return r.mode
}

// Size returns the region size in bytes, or 0 for an invalid region.
func (r *PlatformRegion) Size() uint64 {
	if !r.IsValid() {
		return 0
	}
	return r.size
}

// ID returns the region's identifier, or the zero ID for an invalid region.
func (r *PlatformRegion) ID() ID {
	if !r.IsValid() {
		return ID{}
	}
	return r.id
}

// PlatformHandle returns the handle without giving up ownership.
func (r *PlatformRegion) PlatformHandle() Handle {
	if !r.IsValid() {
		return InvalidHandle
	}
	return r.handle
}

// PassPlatformHandle hands the handle to the caller, who becomes responsible for closing it.
// r is invalid afterwards.
func (r *PlatformRegion) PassPlatformHandle() Handle {
	if !r.IsValid() {
		return InvalidHandle
	}
	h := r.handle
	r.reset()
	return h
}

// Move returns a region that owns everything r owned. r is invalid afterwards.
func (r *PlatformRegion) Move() *PlatformRegion {
	if !r.IsValid() {
		return &PlatformRegion{}
	}
	moved := newPlatformRegion(r.handle, r.mode, r.size, r.id)
	r.reset()
	return moved
}

func (r *PlatformRegion) reset() {
	*r = PlatformRegion{handle: InvalidHandle}
}

// Close releases the handle. Mappings made from r stay valid. Closing an invalid region is a
// no-op.
func (r *PlatformRegion) Close() error {
	if !r.IsValid() {
		return nil
	}
	h := r.handle
	r.reset()
	return platform.CloseHandle(h)
}

// Duplicate returns a second region sharing the OS object, mode, size and ID of r. Duplicating a
// writable region panics: a second writable handle could change memory after a peer validated it.
func (r *PlatformRegion) Duplicate() (*PlatformRegion, error) {
	if !r.IsValid() {
		return &PlatformRegion{}, ErrInvalidRegion
	}
	if r.mode == ModeWritable {
		violation("duplicating a writable shared memory region is prohibited")
	}
	h, err := platform.DuplicateHandle(r.handle)
	if err != nil {
		logger.Errorf("duplicate region %s: %v", r.id, err)
		return &PlatformRegion{}, err
	}
	return newPlatformRegion(h, r.mode, r.size, r.id), nil
}

// ConvertToReadOnly drops write access from the OS object and switches r to ModeReadOnly. The
// change cannot be undone; mappings made before it keep their access. Only writable regions can
// be converted, anything else panics.
//
// If the OS refuses, r is left writable and the error is returned.
func (r *PlatformRegion) ConvertToReadOnly() error {
	if !r.IsValid() {
		return ErrInvalidRegion
	}
	if r.mode != ModeWritable {
		violation("only a writable region can be converted to read-only, region %s is %s", r.id, r.mode)
	}
	h, err := platform.SetProtection(r.handle, internalshm.ReadOnly)
	if err != nil {
		logger.Errorf("convert region %s to read-only: %v", r.id, err)
		return err
	}
	r.handle = h
	r.mode = ModeReadOnly
	return nil
}

// MapAt maps length bytes of r starting at offset. The mapping is read-only for read-only
// regions and read-write otherwise.
func (r *PlatformRegion) MapAt(offset, length uint64) (*Mapping, error) {
	if !r.IsValid() {
		return &Mapping{}, ErrInvalidRegion
	}
	end, carry := bits.Add64(offset, length, 0)
	if length == 0 || carry != 0 || end > r.size {
		return &Mapping{}, fmt.Errorf("%w: offset %d length %d region size %d",
			ErrInvalidRange, offset, length, r.size)
	}

	gran := uint64(platform.Granularity())
	aligned := offset - offset%gran
	delta := offset - aligned
	writable := r.mode != ModeReadOnly

	data, err := platform.Map(r.handle, aligned, delta+length, writable)
	if err != nil {
		logger.Errorf("map region %s [%d, %d): %v", r.id, offset, end, err)
		return &Mapping{}, err
	}
	if base := uintptr(unsafe.Pointer(&data[0])); base&uintptr(platform.PageSize()-1) != 0 {
		violation("mapping of region %s at %#x is not page aligned", r.id, base)
	}
	return newMapping(data, data[delta:delta+length:delta+length], r.id, writable), nil
}

// Map maps the whole region.
func (r *PlatformRegion) Map() (*Mapping, error) {
	return r.MapAt(0, r.Size())
}

func (r *PlatformRegion) String() string {
	if !r.IsValid() {
		return "PlatformRegion(invalid)"
	}
	return fmt.Sprintf("PlatformRegion(%s, %s, %d bytes, handle %s)", r.id, r.mode, r.size, r.handle)
}
