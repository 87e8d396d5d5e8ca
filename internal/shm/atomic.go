package shm

import (
	"sync/atomic"
	"unsafe"
)

// word returns the 8-byte aligned uint64 at off in b, or nil when it does not fit or is misaligned.
func word(b []byte, off uint64) *uint64 {
	if off > uint64(len(b)) || uint64(len(b))-off < 8 {
		return nil
	}
	p := unsafe.Pointer(&b[off])
	if uintptr(p)&7 != 0 {
		return nil
	}
	return (*uint64)(p)
}

// AtomicLoadUint64 loads the uint64 at off in shared memory atomically.
func AtomicLoadUint64(b []byte, off uint64) (uint64, bool) {
	w := word(b, off)
	if w == nil {
		return 0, false
	}
	return atomic.LoadUint64(w), true
}

// AtomicStoreUint64 stores val at off in shared memory atomically.
func AtomicStoreUint64(b []byte, off uint64, val uint64) bool {
	w := word(b, off)
	if w == nil {
		return false
	}
	atomic.StoreUint64(w, val)
	return true
}

// AtomicCompareAndSwapUint64 atomically compares and swaps the uint64 at off in shared memory.
// ok is false when off does not address an aligned word inside b.
func AtomicCompareAndSwapUint64(b []byte, off uint64, old, new uint64) (swapped, ok bool) {
	w := word(b, off)
	if w == nil {
		return false, false
	}
	return atomic.CompareAndSwapUint64(w, old, new), true
}
