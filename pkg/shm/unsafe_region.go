package shm

// UnsafeRegion is a writable region that may be duplicated. Any holder of any duplicate can write,
// so nothing read from it can be trusted to stay put.
//
// The zero value is invalid.
type UnsafeRegion struct {
	handle *PlatformRegion
}

func newUnsafeRegion(r *PlatformRegion) *UnsafeRegion {
	if r.IsValid() && r.Mode() != ModeUnsafe {
		violation("unsafe region built from a %s handle", r.Mode())
	}
	return &UnsafeRegion{handle: r}
}

// CreateUnsafeRegion creates an unsafe region of size bytes.
func CreateUnsafeRegion(size uint64) (*UnsafeRegion, error) {
	r, err := CreateUnsafe(size)
	return newUnsafeRegion(r), err
}

// DeserializeUnsafeRegion wraps a handle received from another process, taking it over from r.
// It panics if r is valid but not unsafe.
func DeserializeUnsafeRegion(r *PlatformRegion) *UnsafeRegion {
	return newUnsafeRegion(r).Move()
}

// TakeHandleForSerialization extracts the underlying handle for transfer. u is invalid afterwards.
func (u *UnsafeRegion) TakeHandleForSerialization() *PlatformRegion {
	if u == nil {
		return &PlatformRegion{}
	}
	return u.handle.Move()
}

// Duplicate returns another handle to the same memory, with the same ID.
func (u *UnsafeRegion) Duplicate() (*UnsafeRegion, error) {
	if !u.IsValid() {
		return &UnsafeRegion{}, ErrInvalidRegion
	}
	d, err := u.handle.Duplicate()
	if err != nil {
		return &UnsafeRegion{}, err
	}
	return newUnsafeRegion(d), nil
}

// Map maps the whole region for writing.
func (u *UnsafeRegion) Map() (*WritableMapping, error) {
	return u.MapAt(0, u.Size())
}

// MapAt maps length bytes starting at offset for writing.
func (u *UnsafeRegion) MapAt(offset, length uint64) (*WritableMapping, error) {
	if !u.IsValid() {
		return &WritableMapping{}, ErrInvalidRegion
	}
	m, err := u.handle.MapAt(offset, length)
	if err != nil {
		return &WritableMapping{}, err
	}
	return asWritable(m), nil
}

func (u *UnsafeRegion) IsValid() bool {
	return u != nil && u.handle.IsValid()
}

func (u *UnsafeRegion) Size() uint64 {
	if u == nil {
		return 0
	}
	return u.handle.Size()
}

func (u *UnsafeRegion) ID() ID {
	if u == nil {
		return ID{}
	}
	return u.handle.ID()
}

// Move returns a region owning u's handle. u is invalid afterwards.
func (u *UnsafeRegion) Move() *UnsafeRegion {
	return &UnsafeRegion{handle: u.TakeHandleForSerialization()}
}

func (u *UnsafeRegion) Close() error {
	if u == nil {
		return nil
	}
	return u.handle.Close()
}
