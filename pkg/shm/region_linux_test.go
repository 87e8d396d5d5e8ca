//go:build linux

package shm

import (
	"bytes"
	"errors"
	"math"
	"os"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/shm-region/internal/shm"
)

type RegionTestSuite struct {
	suite.Suite
}

func (s *RegionTestSuite) requireViolation(f func()) {
	err := recoverViolation(f)
	s.Require().Error(err, "expected a contract violation panic")
	s.Require().ErrorIs(err, ErrContractViolation)
}

func (s *RegionTestSuite) create(mode Mode, size uint64) *PlatformRegion {
	r, err := CreatePlatformRegion(mode, size)
	s.Require().NoError(err)
	s.Require().True(r.IsValid())
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func (s *RegionTestSuite) TestDefaultRegionIsInvalid() {
	var r PlatformRegion
	s.Require().False(r.IsValid())
	s.Require().Equal(InvalidHandle, r.PlatformHandle())

	m, err := r.Map()
	s.Require().ErrorIs(err, ErrInvalidRegion)
	s.Require().False(m.IsValid())

	d, err := r.Duplicate()
	s.Require().ErrorIs(err, ErrInvalidRegion)
	s.Require().False(d.IsValid())

	s.Require().ErrorIs(r.ConvertToReadOnly(), ErrInvalidRegion)
	s.Require().Equal(InvalidHandle, r.PassPlatformHandle())
	s.Require().NoError(r.Close())

	var nilRegion *PlatformRegion
	s.Require().False(nilRegion.IsValid())
	s.Require().Zero(nilRegion.Size())
	s.Require().False(nilRegion.Move().IsValid())
}

func (s *RegionTestSuite) TestDefaultWrappersAreInvalid() {
	var w WritableRegion
	s.Require().False(w.IsValid())
	wm, err := w.Map()
	s.Require().Error(err)
	s.Require().False(wm.IsValid())
	s.Require().False(w.TakeHandleForSerialization().IsValid())

	ro, err := ConvertToReadOnly(&w)
	s.Require().ErrorIs(err, ErrInvalidRegion)
	s.Require().False(ro.IsValid())

	var r ReadOnlyRegion
	s.Require().False(r.IsValid())
	d, err := r.Duplicate()
	s.Require().Error(err)
	s.Require().False(d.IsValid())

	var u UnsafeRegion
	s.Require().False(u.IsValid())
	s.Require().NoError(u.Close())
}

func (s *RegionTestSuite) TestDefaultMappingIsInvalid() {
	var m Mapping
	s.Require().False(m.IsValid())
	s.Require().Nil(m.Bytes())
	s.Require().Zero(m.Size())
	s.Require().Zero(m.Address())
	s.Require().True(m.ID().IsZero())
	s.Require().NoError(m.Unmap())
	_, err := m.ReadAt(make([]byte, 1), 0)
	s.Require().ErrorIs(err, ErrInvalidMapping)
	_, err = m.LoadUint64(0)
	s.Require().ErrorIs(err, ErrInvalidMapping)
	s.Require().False(m.Move().IsValid())

	var w WritableMapping
	_, err = w.WriteAt([]byte{1}, 0)
	s.Require().ErrorIs(err, ErrInvalidMapping)
	s.Require().ErrorIs(w.StoreUint64(0, 1), ErrInvalidMapping)
}

func (s *RegionTestSuite) TestCreateRegionOfZeroSizeIsInvalid() {
	for _, mode := range []Mode{ModeWritable, ModeUnsafe} {
		r, err := CreatePlatformRegion(mode, 0)
		s.Require().ErrorIs(err, ErrInvalidSize, mode.String())
		s.Require().False(r.IsValid())
	}
}

func (s *RegionTestSuite) TestCreateTooLargeRegionIsInvalid() {
	for _, mode := range []Mode{ModeWritable, ModeUnsafe} {
		for _, size := range []uint64{math.MaxUint64, MaxRegionSize + 1} {
			r, err := CreatePlatformRegion(mode, size)
			s.Require().ErrorIs(err, ErrInvalidSize)
			s.Require().False(r.IsValid())
		}
	}
}

func (s *RegionTestSuite) TestCreateReadOnlyRegionPanics() {
	s.requireViolation(func() { _, _ = CreatePlatformRegion(ModeReadOnly, 1024) })
}

func (s *RegionTestSuite) TestCreatedRegionProperties() {
	r := s.create(ModeWritable, 1024)
	s.Require().Equal(ModeWritable, r.Mode())
	s.Require().EqualValues(1024, r.Size())
	s.Require().False(r.ID().IsZero())

	other := s.create(ModeWritable, 1024)
	s.Require().NotEqual(r.ID(), other.ID())
}

func (s *RegionTestSuite) TestConvertToReadOnlySucceedsOnce() {
	r := s.create(ModeWritable, 1024)
	s.Require().NoError(r.ConvertToReadOnly())
	s.Require().Equal(ModeReadOnly, r.Mode())
	s.Require().True(r.IsValid())

	prot, err := platform.GetProtection(r.PlatformHandle())
	s.Require().NoError(err)
	s.Require().False(prot.Writable)

	s.requireViolation(func() { _ = r.ConvertToReadOnly() })
}

func (s *RegionTestSuite) TestConvertUnsafeRegionPanics() {
	r := s.create(ModeUnsafe, 1024)
	s.requireViolation(func() { _ = r.ConvertToReadOnly() })
}

func (s *RegionTestSuite) TestConvertFailureKeepsRegionWritable() {
	defer swapPlatform(sealRefusingPlatform{Platform: internalshm.Native()})()

	r := s.create(ModeWritable, 1024)
	err := r.ConvertToReadOnly()
	s.Require().ErrorIs(err, errDenied)
	s.Require().True(r.IsValid())
	s.Require().Equal(ModeWritable, r.Mode())
}

func (s *RegionTestSuite) TestCreateMappedReadOnlyWithoutFutureWriteSeal() {
	t := NewTracker()
	old := SetUsageTracker(t)
	defer SetUsageTracker(old)
	defer swapPlatform(busySealPlatform{Platform: internalshm.Native()})()

	mr, err := CreateMappedReadOnly(1024)
	s.Require().ErrorIs(err, ErrWritableMappings)
	s.Require().False(mr.IsValid())
	s.Require().Zero(t.MappedBytes())
}

func (s *RegionTestSuite) TestWrapperConvertFailureKeepsEarlierMapping() {
	defer swapPlatform(sealRefusingPlatform{Platform: internalshm.Native()})()

	w, err := CreateWritableRegion(1024)
	s.Require().NoError(err)
	m, err := w.Map()
	s.Require().NoError(err)
	defer m.Unmap() //nolint:errcheck // test cleanup

	ro, err := ConvertToReadOnly(w)
	s.Require().ErrorIs(err, errDenied)
	s.Require().False(ro.IsValid())
	s.Require().False(w.IsValid())

	_, err = m.WriteAt([]byte("still here"), 0)
	s.Require().NoError(err)
	s.Require().Equal([]byte("still here"), m.Bytes()[:10])
}

func (s *RegionTestSuite) TestDuplicateWritableRegionPanics() {
	r := s.create(ModeWritable, 1024)
	s.requireViolation(func() { _, _ = r.Duplicate() })
}

func (s *RegionTestSuite) TestDuplicateReadOnlyAndUnsafe() {
	ro := s.create(ModeWritable, 1024)
	s.Require().NoError(ro.ConvertToReadOnly())
	unsafe := s.create(ModeUnsafe, 1024)

	for _, r := range []*PlatformRegion{ro, unsafe} {
		d, err := r.Duplicate()
		s.Require().NoError(err)
		s.Require().True(d.IsValid())
		s.Require().Equal(r.ID(), d.ID())
		s.Require().Equal(r.Mode(), d.Mode())
		s.Require().Equal(r.Size(), d.Size())
		s.Require().NotEqual(r.PlatformHandle(), d.PlatformHandle())

		s.Require().NoError(r.Close())
		m, err := d.Map()
		s.Require().NoError(err)
		s.Require().EqualValues(1024, m.Size())
		s.Require().NoError(m.Unmap())
		s.Require().NoError(d.Close())
	}
}

func (s *RegionTestSuite) TestMapAtOutOfTheRegionLimits() {
	r := s.create(ModeWritable, 1024)
	cases := []struct{ offset, length uint64 }{
		{0, 1025},
		{1024, 1},
		{1000, 25},
		{0, 0},
	}
	for _, c := range cases {
		m, err := r.MapAt(c.offset, c.length)
		s.Require().ErrorIs(err, ErrInvalidRange, "offset %d length %d", c.offset, c.length)
		s.Require().False(m.IsValid())
	}
}

func (s *RegionTestSuite) TestMapAtWithOverflow() {
	r := s.create(ModeWritable, uint64(2*os.Getpagesize()))
	offset, length := uint64(math.MaxUint64-1), uint64(2)
	s.Require().Less(offset+length, r.Size(), "the raw sum wraps around")

	m, err := r.MapAt(offset, length)
	s.Require().ErrorIs(err, ErrInvalidRange)
	s.Require().False(m.IsValid())
}

func (s *RegionTestSuite) TestMapAtUnalignedOffset() {
	page := uint64(os.Getpagesize())
	r := s.create(ModeUnsafe, 3*page)

	full, err := r.Map()
	s.Require().NoError(err)
	defer full.Unmap() //nolint:errcheck // test cleanup

	for _, offset := range []uint64{10, page + 3} {
		part, err := r.MapAt(offset, 100)
		s.Require().NoError(err)
		s.Require().EqualValues(100, part.Size())
		copy(part.Bytes(), "window")
		s.Require().Equal([]byte("window"), full.Bytes()[offset:offset+6])
		s.Require().NoError(part.Unmap())
	}
}

func (s *RegionTestSuite) TestMappingModeFollowsRegion() {
	r := s.create(ModeWritable, 1024)
	m, err := r.Map()
	s.Require().NoError(err)
	s.Require().True(m.Writable())
	s.Require().Equal(r.ID(), m.ID())
	s.Require().Zero(m.Address() & uintptr(os.Getpagesize()-1))
	s.Require().NoError(m.Unmap())

	s.Require().NoError(r.ConvertToReadOnly())
	m, err = r.Map()
	s.Require().NoError(err)
	s.Require().False(m.Writable())
	s.Require().NoError(m.Unmap())
	s.Require().False(m.IsValid())
	s.Require().NoError(m.Unmap())
}

func (s *RegionTestSuite) TestInvalidAfterMove() {
	r := s.create(ModeUnsafe, 1024)
	id, h := r.ID(), r.PlatformHandle()

	moved := r.Move()
	defer moved.Close() //nolint:errcheck // test cleanup
	s.Require().False(r.IsValid())
	s.Require().True(moved.IsValid())
	s.Require().Equal(id, moved.ID())
	s.Require().Equal(ModeUnsafe, moved.Mode())
	s.Require().EqualValues(1024, moved.Size())
	s.Require().Equal(h, moved.PlatformHandle())
}

func (s *RegionTestSuite) TestMappingMove() {
	r := s.create(ModeWritable, 1024)
	m, err := r.Map()
	s.Require().NoError(err)
	addr := m.Address()

	moved := m.Move()
	s.Require().False(m.IsValid())
	s.Require().NoError(m.Unmap())
	s.Require().True(moved.IsValid())
	s.Require().Equal(addr, moved.Address())
	s.Require().EqualValues(1024, moved.Size())
	s.Require().NoError(moved.Unmap())
}

func (s *RegionTestSuite) TestInvalidAfterPass() {
	r := s.create(ModeWritable, 1024)
	id := r.ID()
	h := r.PassPlatformHandle()
	s.Require().NotEqual(InvalidHandle, h)
	s.Require().False(r.IsValid())
	s.Require().Equal(InvalidHandle, r.PassPlatformHandle())

	back, err := TakePlatformRegion(h, ModeWritable, 1024, id)
	s.Require().NoError(err)
	defer back.Close() //nolint:errcheck // test cleanup
	s.Require().Equal(id, back.ID())
}

func (s *RegionTestSuite) TestTakeRejectsBadArguments() {
	_, err := TakePlatformRegion(InvalidHandle, ModeWritable, 1024, NewID())
	s.Require().ErrorIs(err, ErrInvalidHandle)

	for _, size := range []uint64{0, MaxRegionSize + 1} {
		r := s.create(ModeWritable, 1024)
		taken, err := TakePlatformRegion(r.PassPlatformHandle(), ModeWritable, size, r.ID())
		s.Require().ErrorIs(err, ErrInvalidSize)
		s.Require().False(taken.IsValid())
	}
}

func (s *RegionTestSuite) TestTakeChecksPermissions() {
	check := func(prepare func(*PlatformRegion), claim Mode, ok bool) {
		r := s.create(ModeWritable, 1024)
		prepare(r)
		taken, err := TakePlatformRegion(r.PassPlatformHandle(), claim, 1024, NewID())
		if ok {
			s.Require().NoError(err)
			s.Require().Equal(claim, taken.Mode())
			s.Require().NoError(taken.Close())
			return
		}
		s.Require().ErrorIs(err, ErrPermissionMismatch, "claim %s", claim)
		s.Require().False(taken.IsValid())
	}
	writable := func(*PlatformRegion) {}
	readOnly := func(r *PlatformRegion) { s.Require().NoError(r.ConvertToReadOnly()) }

	check(writable, ModeWritable, true)
	check(writable, ModeUnsafe, true)
	check(writable, ModeReadOnly, false)
	check(readOnly, ModeReadOnly, true)
	check(readOnly, ModeWritable, false)
	check(readOnly, ModeUnsafe, false)
}

func (s *RegionTestSuite) TestTakeRejectsReadOnlyDescriptorClaimingWritable() {
	r := s.create(ModeUnsafe, 1024)
	fd, err := unix.Open("/proc/self/fd/"+r.PlatformHandle().String(), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	s.Require().NoError(err)

	taken, err := TakePlatformRegion(Handle(fd), ModeUnsafe, 1024, r.ID())
	s.Require().ErrorIs(err, ErrPermissionMismatch)
	s.Require().False(taken.IsValid())
}

// memfd returns a sealable memfd of size bytes carrying seals.
func (s *RegionTestSuite) memfd(size int64, seals int) Handle {
	fd, err := unix.MemfdCreate("foreign", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	s.Require().NoError(err)
	s.Require().NoError(unix.Ftruncate(fd, size))
	if seals != 0 {
		_, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals)
		s.Require().NoError(err)
	}
	return Handle(fd)
}

func (s *RegionTestSuite) TestTakeRejectsUndersizedObject() {
	h := s.memfd(0, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_FUTURE_WRITE)
	taken, err := TakePlatformRegion(h, ModeReadOnly, 1<<20, NewID())
	s.Require().ErrorIs(err, ErrInvalidSize)
	s.Require().False(taken.IsValid())

	h = s.memfd(4096, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW)
	taken, err = TakePlatformRegion(h, ModeUnsafe, 4097, NewID())
	s.Require().ErrorIs(err, ErrInvalidSize)
	s.Require().False(taken.IsValid())
}

func (s *RegionTestSuite) TestTakeRejectsShrinkableObject() {
	for _, mode := range []Mode{ModeWritable, ModeUnsafe} {
		h := s.memfd(4096, 0)
		taken, err := TakePlatformRegion(h, mode, 4096, NewID())
		s.Require().ErrorIs(err, ErrInvalidSize, mode.String())
		s.Require().False(taken.IsValid())
	}
}

func (s *RegionTestSuite) TestTakeAcceptsSealedForeignObject() {
	h := s.memfd(8192, unix.F_SEAL_SHRINK)
	taken, err := TakePlatformRegion(h, ModeUnsafe, 4096, NewID())
	s.Require().NoError(err)
	defer taken.Close() //nolint:errcheck // test cleanup

	m, err := taken.Map()
	s.Require().NoError(err)
	s.Require().EqualValues(4096, m.Size())
	s.Require().Zero(m.Bytes()[4095])
	s.Require().NoError(m.Unmap())
}

func (s *RegionTestSuite) TestFailedUnmapKeepsMappingAccounted() {
	t := NewTracker()
	old := SetUsageTracker(t)
	defer SetUsageTracker(old)

	r := s.create(ModeUnsafe, 1024)
	m, err := r.Map()
	s.Require().NoError(err)

	restore := swapPlatform(unmapRefusingPlatform{Platform: internalshm.Native()})
	err = m.Unmap()
	restore()
	s.Require().ErrorIs(err, errDenied)
	s.Require().True(m.IsValid())
	s.Require().EqualValues(1024, t.MappedBytes())

	s.Require().NoError(m.Unmap())
	s.Require().False(m.IsValid())
	s.Require().Zero(t.MappedBytes())
}

func (s *RegionTestSuite) TestUnalignedMappingIsTrackedWithPadding() {
	t := NewTracker()
	old := SetUsageTracker(t)
	defer SetUsageTracker(old)

	r := s.create(ModeUnsafe, 4096)
	m, err := r.MapAt(10, 100)
	s.Require().NoError(err)
	s.Require().EqualValues(100, m.Size())
	s.Require().EqualValues(110, m.MappedBytes())
	s.Require().EqualValues(110, t.MappedBytes())

	s.Require().NoError(m.Unmap())
	s.Require().Zero(t.MappedBytes())
	s.Require().Zero(m.MappedBytes())
}

func (s *RegionTestSuite) TestDeserializeWithWrongModePanics() {
	r := s.create(ModeUnsafe, 1024)
	s.requireViolation(func() { DeserializeWritableRegion(r) })
	s.requireViolation(func() { DeserializeReadOnlyRegion(r) })

	u := DeserializeUnsafeRegion(r)
	s.Require().True(u.IsValid())
	s.Require().False(r.IsValid())
	s.Require().NoError(u.Close())
}

func (s *RegionTestSuite) TestSerializationRoundTrip() {
	w, err := CreateWritableRegion(1024)
	s.Require().NoError(err)
	id := w.ID()

	h := w.TakeHandleForSerialization()
	s.Require().False(w.IsValid())
	back := DeserializeWritableRegion(h)
	s.Require().False(h.IsValid())
	s.Require().Equal(id, back.ID())

	ro, err := ConvertToReadOnly(back)
	s.Require().NoError(err)
	raw := ro.TakeHandleForSerialization()
	s.Require().Equal(ModeReadOnly, raw.Mode())
	ro = DeserializeReadOnlyRegion(raw)
	s.Require().Equal(id, ro.ID())
	s.Require().NoError(ro.Close())
}

func (s *RegionTestSuite) TestWriteThenSealThenRead() {
	w, err := CreateWritableRegion(1024)
	s.Require().NoError(err)
	wm, err := w.Map()
	s.Require().NoError(err)
	defer wm.Unmap() //nolint:errcheck // test cleanup

	pattern := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 256)
	n, err := wm.WriteAt(pattern, 0)
	s.Require().NoError(err)
	s.Require().Equal(1024, n)

	ro, err := ConvertToReadOnly(w)
	s.Require().NoError(err)
	defer ro.Close() //nolint:errcheck // test cleanup
	s.Require().False(w.IsValid())

	rm, err := ro.Map()
	s.Require().NoError(err)
	defer rm.Unmap() //nolint:errcheck // test cleanup
	s.Require().Equal(pattern, rm.Bytes())

	_, err = platform.Map(ro.handle.PlatformHandle(), 0, 1024, true)
	s.Require().True(errors.Is(err, unix.EPERM), "writable map of sealed region: %v", err)

	faulted := func() (faulted bool) {
		old := debug.SetPanicOnFault(true)
		defer debug.SetPanicOnFault(old)
		defer func() { faulted = recover() != nil }()
		rm.Bytes()[0] = 0
		return false
	}()
	s.Require().True(faulted, "write through a read-only mapping must fault")
	s.Require().Equal(pattern, rm.Bytes())
}

func (s *RegionTestSuite) TestUnsafeDuplicatesShareMemory() {
	u, err := CreateUnsafeRegion(4096)
	s.Require().NoError(err)
	d1, err := u.Duplicate()
	s.Require().NoError(err)
	d2, err := u.Duplicate()
	s.Require().NoError(err)

	regions := []*UnsafeRegion{u, d1, d2}
	var maps []*WritableMapping
	for _, r := range regions {
		s.Require().Equal(u.ID(), r.ID())
		m, err := r.Map()
		s.Require().NoError(err)
		maps = append(maps, m)
	}
	for _, r := range regions {
		s.Require().NoError(r.Close())
	}

	for i, m := range maps {
		msg := []byte{'w', byte('0' + i)}
		_, err := m.WriteAt(msg, int64(i*100))
		s.Require().NoError(err)
		for _, other := range maps {
			s.Require().Equal(msg, other.Bytes()[i*100:i*100+2])
		}
	}

	s.Require().NoError(maps[0].StoreUint64(512, 41))
	swapped, err := maps[1].CompareAndSwapUint64(512, 41, 42)
	s.Require().NoError(err)
	s.Require().True(swapped)
	v, err := maps[2].LoadUint64(512)
	s.Require().NoError(err)
	s.Require().EqualValues(42, v)

	for _, m := range maps {
		s.Require().NoError(m.Unmap())
	}
}

func (s *RegionTestSuite) TestCreateMappedReadOnly() {
	mr, err := CreateMappedReadOnly(1024)
	s.Require().NoError(err)
	s.Require().True(mr.IsValid())
	defer mr.Region.Close()  //nolint:errcheck // test cleanup
	defer mr.Mapping.Unmap() //nolint:errcheck // test cleanup

	_, err = mr.Mapping.WriteAt([]byte("sealed"), 0)
	s.Require().NoError(err)

	dup, err := mr.Region.Duplicate()
	s.Require().NoError(err)
	defer dup.Close() //nolint:errcheck // test cleanup
	s.Require().Equal(mr.Region.ID(), dup.ID())

	rm, err := dup.MapAt(0, 6)
	s.Require().NoError(err)
	s.Require().Equal([]byte("sealed"), rm.Bytes())
	s.Require().False(rm.Writable())
	s.Require().NoError(rm.Unmap())

	bad, err := CreateMappedReadOnly(0)
	s.Require().ErrorIs(err, ErrInvalidSize)
	s.Require().False(bad.IsValid())
}

func (s *RegionTestSuite) TestMappingOutlivesRegion() {
	r := s.create(ModeUnsafe, 1024)
	m, err := r.Map()
	s.Require().NoError(err)
	s.Require().NoError(r.Close())

	copy(m.Bytes(), "alive")
	buf := make([]byte, 5)
	n, err := m.ReadAt(buf, 0)
	s.Require().NoError(err)
	s.Require().Equal(5, n)
	s.Require().Equal("alive", string(buf))
	s.Require().NoError(m.Unmap())
}

func (s *RegionTestSuite) TestMappingsAreTracked() {
	t := NewTracker()
	old := SetUsageTracker(Tee(DefaultTracker(), t))
	defer SetUsageTracker(old)

	r := s.create(ModeUnsafe, 2048)
	m1, err := r.Map()
	s.Require().NoError(err)
	m2, err := r.MapAt(0, 512)
	s.Require().NoError(err)

	s.Require().EqualValues(2560, t.MappedBytes())
	s.Require().EqualValues(2, t.Mappings())
	u, ok := t.Usage(r.ID())
	s.Require().True(ok)
	s.Require().EqualValues(2, u.Mappings)

	moved := m1.Move()
	s.Require().EqualValues(2, t.Mappings())
	s.Require().NoError(m1.Unmap())
	s.Require().EqualValues(2, t.Mappings())

	s.Require().NoError(moved.Unmap())
	s.Require().NoError(moved.Unmap())
	s.Require().EqualValues(512, t.MappedBytes())

	s.Require().NoError(m2.Unmap())
	s.Require().Zero(t.MappedBytes())
	_, ok = t.Usage(r.ID())
	s.Require().False(ok)
}

func TestRegionTestSuite(t *testing.T) {
	suite.Run(t, new(RegionTestSuite))
}
