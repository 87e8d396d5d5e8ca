package shm

// ReadOnlyRegion is a region whose handles can only be mapped for reading. It is the unit handed
// out to many reader processes and so, unlike WritableRegion, can be duplicated.
//
// The zero value is invalid.
type ReadOnlyRegion struct {
	handle *PlatformRegion
}

func newReadOnlyRegion(r *PlatformRegion) *ReadOnlyRegion {
	if r.IsValid() && r.Mode() != ModeReadOnly {
		violation("read-only region built from a %s handle", r.Mode())
	}
	return &ReadOnlyRegion{handle: r}
}

// MappedReadOnlyRegion pairs a freshly sealed read-only region with the writable mapping that was
// taken before sealing, which is the only way left to fill it.
type MappedReadOnlyRegion struct {
	Region  *ReadOnlyRegion
	Mapping *WritableMapping
}

// IsValid reports whether both the region and the mapping are valid.
func (m MappedReadOnlyRegion) IsValid() bool {
	return m.Region.IsValid() && m.Mapping.IsValid()
}

// CreateMappedReadOnly creates a region of size bytes, maps it for writing and then seals it
// read-only. The caller fills the memory through the returned mapping and hands duplicates of the
// region to readers.
//
// Linux kernels older than 5.1 cannot seal an object that still has writable mappings. There the
// call fails with an error wrapping ErrWritableMappings, and read-only regions can only be made
// with ConvertToReadOnly before any mapping is taken.
func CreateMappedReadOnly(size uint64) (MappedReadOnlyRegion, error) {
	h, err := CreateWritable(size)
	if err != nil {
		return MappedReadOnlyRegion{Region: &ReadOnlyRegion{}, Mapping: &WritableMapping{}}, err
	}
	m, err := h.Map()
	if err != nil {
		_ = h.Close()
		return MappedReadOnlyRegion{Region: &ReadOnlyRegion{}, Mapping: &WritableMapping{}}, err
	}
	if err := h.ConvertToReadOnly(); err != nil {
		_ = m.Unmap()
		_ = h.Close()
		return MappedReadOnlyRegion{Region: &ReadOnlyRegion{}, Mapping: &WritableMapping{}}, err
	}
	return MappedReadOnlyRegion{Region: newReadOnlyRegion(h), Mapping: asWritable(m)}, nil
}

// DeserializeReadOnlyRegion wraps a handle received from another process, taking it over from r.
// It panics if r is valid but not read-only.
func DeserializeReadOnlyRegion(r *PlatformRegion) *ReadOnlyRegion {
	return newReadOnlyRegion(r).Move()
}

// TakeHandleForSerialization extracts the underlying handle for transfer. r is invalid afterwards.
func (r *ReadOnlyRegion) TakeHandleForSerialization() *PlatformRegion {
	if r == nil {
		return &PlatformRegion{}
	}
	return r.handle.Move()
}

// Duplicate returns another read-only region over the same memory, with the same ID.
func (r *ReadOnlyRegion) Duplicate() (*ReadOnlyRegion, error) {
	if !r.IsValid() {
		return &ReadOnlyRegion{}, ErrInvalidRegion
	}
	d, err := r.handle.Duplicate()
	if err != nil {
		return &ReadOnlyRegion{}, err
	}
	return newReadOnlyRegion(d), nil
}

// Map maps the whole region for reading.
func (r *ReadOnlyRegion) Map() (*ReadOnlyMapping, error) {
	return r.MapAt(0, r.Size())
}

// MapAt maps length bytes starting at offset for reading.
func (r *ReadOnlyRegion) MapAt(offset, length uint64) (*ReadOnlyMapping, error) {
	if !r.IsValid() {
		return &ReadOnlyMapping{}, ErrInvalidRegion
	}
	m, err := r.handle.MapAt(offset, length)
	if err != nil {
		return &ReadOnlyMapping{}, err
	}
	return asReadOnly(m), nil
}

func (r *ReadOnlyRegion) IsValid() bool {
	return r != nil && r.handle.IsValid()
}

func (r *ReadOnlyRegion) Size() uint64 {
	if r == nil {
		return 0
	}
	return r.handle.Size()
}

func (r *ReadOnlyRegion) ID() ID {
	if r == nil {
		return ID{}
	}
	return r.handle.ID()
}

// Move returns a region owning r's handle. r is invalid afterwards.
func (r *ReadOnlyRegion) Move() *ReadOnlyRegion {
	return &ReadOnlyRegion{handle: r.TakeHandleForSerialization()}
}

func (r *ReadOnlyRegion) Close() error {
	if r == nil {
		return nil
	}
	return r.handle.Close()
}
