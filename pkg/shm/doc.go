// Package shm provides shared memory regions that can be created in one process, sealed
// read-only, handed to other processes and mapped as typed views.
//
// A region is created writable, filled through a mapping, and converted to read-only before it is
// shared, so readers know the memory will not change under them:
//
//	w, err := shm.CreateWritableRegion(4096)
//	if err != nil {
//	  return err
//	}
//	m, err := w.Map()
//	// fill m.Bytes()
//	ro, err := shm.ConvertToReadOnly(w)
//	dup, err := ro.Duplicate() // one per reader process
//
// At most one writable handle to a region ever exists: writable regions cannot be duplicated and
// conversion to read-only cannot be undone. Regions that need several writers use UnsafeRegion.
//
// Regions and mappings own OS resources and must be released with Close and Unmap. Invalid
// regions and mappings are never nil; every method on them is safe and reports failure.
//
// Misuse of the API, such as duplicating a writable region, panics with an error wrapping
// ErrContractViolation.
//
// Mapped memory is accounted to the process-wide UsageTracker, exported through
// NewPrometheusCollector and NewOTelTracker.
//
// Handles cross process boundaries with TakeHandleForSerialization and the Deserialize
// functions; see package transport for passing them over Unix sockets.
package shm
