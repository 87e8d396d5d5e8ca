package shm

import (
	"errors"
	"fmt"
	"io"
	"unsafe"

	internalshm "github.com/srediag/shm-region/internal/shm"
)

// ErrInvalidMapping is returned by accessors of unmapped or zero mappings.
var ErrInvalidMapping = errors.New("shm: invalid mapping")

// Mapping is a process-local view of a region or part of it. It owns the mapped address range and
// releases it exactly once, on Unmap. Mappings outlive the region they came from.
//
// Go does not unmap on scope exit; callers must call Unmap (or Close). Slices obtained from Bytes
// must not be used afterwards.
type Mapping struct {
	data     []byte // what the OS mapped, starting at an aligned offset
	view     []byte // the window that was asked for
	id       ID
	writable bool
}

func newMapping(data, view []byte, id ID, writable bool) *Mapping {
	m := &Mapping{data: data, view: view, id: id, writable: writable}
	currentTracker().OnMapped(m)
	return m
}

// IsValid reports whether m still owns a mapped range.
func (m *Mapping) IsValid() bool {
	return m != nil && m.data != nil
}

// ID returns the ID of the region m was mapped from.
func (m *Mapping) ID() ID {
	if !m.IsValid() {
		return ID{}
	}
	return m.id
}

// Size returns the number of bytes mapped.
func (m *Mapping) Size() uint64 {
	if !m.IsValid() {
		return 0
	}
	return uint64(len(m.view))
}

// Address returns the address of the first mapped byte, or 0.
func (m *Mapping) Address() uintptr {
	if !m.IsValid() {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.view[0]))
}

// MappedBytes returns the number of bytes the OS mapped for m. It exceeds Size when the window
// starts at an offset that is not a multiple of the mapping granularity.
func (m *Mapping) MappedBytes() uint64 {
	if !m.IsValid() {
		return 0
	}
	return uint64(len(m.data))
}

// Writable reports whether the memory was mapped for writing.
func (m *Mapping) Writable() bool {
	return m.IsValid() && m.writable
}

// Bytes returns the mapped memory, or nil. Writing through the slice of a read-only mapping
// faults.
func (m *Mapping) Bytes() []byte {
	if !m.IsValid() {
		return nil
	}
	return m.view
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if !m.IsValid() {
		return 0, ErrInvalidMapping
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidRange, off)
	}
	if off >= int64(len(m.view)) {
		return 0, io.EOF
	}
	n := copy(p, m.view[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// LoadUint64 atomically loads the 8-byte aligned word at off.
func (m *Mapping) LoadUint64(off uint64) (uint64, error) {
	if !m.IsValid() {
		return 0, ErrInvalidMapping
	}
	v, ok := internalshm.AtomicLoadUint64(m.view, off)
	if !ok {
		return 0, fmt.Errorf("%w: no aligned word at %d", ErrInvalidRange, off)
	}
	return v, nil
}

// Unmap releases the mapped range and reports it to the usage tracker. m is invalid afterwards.
// If the OS refuses, m stays valid and accounted, and Unmap may be retried. Unmapping an invalid
// mapping does nothing.
func (m *Mapping) Unmap() error {
	if !m.IsValid() {
		return nil
	}
	if err := platform.Unmap(m.data); err != nil {
		logger.Errorf("unmap %d bytes: %v", len(m.data), err)
		return err
	}
	currentTracker().OnUnmapped(m)
	*m = Mapping{}
	return nil
}

// Close implements io.Closer by calling Unmap.
func (m *Mapping) Close() error {
	return m.Unmap()
}

// Move returns a mapping that owns the range m owned. m is invalid afterwards.
func (m *Mapping) Move() *Mapping {
	moved := m.release()
	return &moved
}

func (m *Mapping) release() Mapping {
	if !m.IsValid() {
		return Mapping{}
	}
	moved := *m
	*m = Mapping{}
	return moved
}

// ReadOnlyMapping is a mapping of a read-only region.
type ReadOnlyMapping struct {
	Mapping
}

// Move returns a mapping that owns the range m owned. m is invalid afterwards.
func (m *ReadOnlyMapping) Move() *ReadOnlyMapping {
	if m == nil {
		return &ReadOnlyMapping{}
	}
	return &ReadOnlyMapping{Mapping: m.release()}
}

// WritableMapping is a read-write mapping of a writable or unsafe region.
type WritableMapping struct {
	Mapping
}

// Move returns a mapping that owns the range m owned. m is invalid afterwards.
func (m *WritableMapping) Move() *WritableMapping {
	if m == nil {
		return &WritableMapping{}
	}
	return &WritableMapping{Mapping: m.release()}
}

// WriteAt implements io.WriterAt. Writes past the end of the mapping are cut short with
// io.ErrShortWrite.
func (m *WritableMapping) WriteAt(p []byte, off int64) (int, error) {
	if !m.IsValid() {
		return 0, ErrInvalidMapping
	}
	if off < 0 || off > int64(len(m.view)) {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidRange, off)
	}
	n := copy(m.view[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// StoreUint64 atomically stores v in the 8-byte aligned word at off.
func (m *WritableMapping) StoreUint64(off, v uint64) error {
	if !m.IsValid() {
		return ErrInvalidMapping
	}
	if !internalshm.AtomicStoreUint64(m.view, off, v) {
		return fmt.Errorf("%w: no aligned word at %d", ErrInvalidRange, off)
	}
	return nil
}

// CompareAndSwapUint64 atomically replaces the word at off with new if it holds old.
func (m *WritableMapping) CompareAndSwapUint64(off, old, new uint64) (bool, error) {
	if !m.IsValid() {
		return false, ErrInvalidMapping
	}
	swapped, ok := internalshm.AtomicCompareAndSwapUint64(m.view, off, old, new)
	if !ok {
		return false, fmt.Errorf("%w: no aligned word at %d", ErrInvalidRange, off)
	}
	return swapped, nil
}

func asWritable(m *Mapping) *WritableMapping {
	return &WritableMapping{Mapping: m.release()}
}

func asReadOnly(m *Mapping) *ReadOnlyMapping {
	return &ReadOnlyMapping{Mapping: m.release()}
}
