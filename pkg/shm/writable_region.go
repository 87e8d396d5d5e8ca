package shm

// WritableRegion is a region with the only writable handle to its memory. It can be mapped for
// writing and converted once to a ReadOnlyRegion, but never duplicated.
//
// The zero value is invalid.
type WritableRegion struct {
	handle *PlatformRegion
}

func newWritableRegion(r *PlatformRegion) *WritableRegion {
	if r.IsValid() && r.Mode() != ModeWritable {
		violation("writable region built from a %s handle", r.Mode())
	}
	return &WritableRegion{handle: r}
}

// CreateWritableRegion creates a writable region of size bytes.
func CreateWritableRegion(size uint64) (*WritableRegion, error) {
	r, err := CreateWritable(size)
	return newWritableRegion(r), err
}

// DeserializeWritableRegion wraps a handle received from another process, taking it over from r.
// It panics if r is valid but not writable.
func DeserializeWritableRegion(r *PlatformRegion) *WritableRegion {
	return newWritableRegion(r).Move()
}

// TakeHandleForSerialization extracts the underlying handle for transfer. w is invalid afterwards.
func (w *WritableRegion) TakeHandleForSerialization() *PlatformRegion {
	if w == nil {
		return &PlatformRegion{}
	}
	return w.handle.Move()
}

// ConvertToReadOnly consumes w and returns the same memory as a read-only region. Mappings of w
// stay writable. If the OS refuses the conversion, the handle is closed and the returned region
// is invalid.
func ConvertToReadOnly(w *WritableRegion) (*ReadOnlyRegion, error) {
	h := w.TakeHandleForSerialization()
	if !h.IsValid() {
		return &ReadOnlyRegion{}, ErrInvalidRegion
	}
	if err := h.ConvertToReadOnly(); err != nil {
		_ = h.Close()
		return &ReadOnlyRegion{}, err
	}
	return newReadOnlyRegion(h), nil
}

// Map maps the whole region for writing.
func (w *WritableRegion) Map() (*WritableMapping, error) {
	return w.MapAt(0, w.Size())
}

// MapAt maps length bytes starting at offset for writing.
func (w *WritableRegion) MapAt(offset, length uint64) (*WritableMapping, error) {
	if !w.IsValid() {
		return &WritableMapping{}, ErrInvalidRegion
	}
	m, err := w.handle.MapAt(offset, length)
	if err != nil {
		return &WritableMapping{}, err
	}
	return asWritable(m), nil
}

func (w *WritableRegion) IsValid() bool {
	return w != nil && w.handle.IsValid()
}

func (w *WritableRegion) Size() uint64 {
	if w == nil {
		return 0
	}
	return w.handle.Size()
}

func (w *WritableRegion) ID() ID {
	if w == nil {
		return ID{}
	}
	return w.handle.ID()
}

// Move returns a region owning w's handle. w is invalid afterwards.
func (w *WritableRegion) Move() *WritableRegion {
	return &WritableRegion{handle: w.TakeHandleForSerialization()}
}

// Close releases the handle. Existing mappings stay valid.
func (w *WritableRegion) Close() error {
	if w == nil {
		return nil
	}
	return w.handle.Close()
}
