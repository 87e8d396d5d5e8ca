// Package health exposes liveness and readiness endpoints for processes that share memory
// regions. Readiness proves the whole region lifecycle works on this host: create, fill, seal and
// read back through a read-only duplicate.
package health

import (
	"bytes"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shm-region/pkg/shm"
)

// Options tunes the checks installed by NewHandler.
type Options struct {
	// ProbeSize is the size of the region RegionCheck round-trips.
	ProbeSize uint64
	// CheckTimeout bounds the region check.
	CheckTimeout time.Duration
	// MaxGoroutines fails liveness above this many goroutines. Zero disables the check.
	MaxGoroutines int
	// Tracker and MaxMappedBytes fail readiness while more than MaxMappedBytes are mapped.
	// A nil Tracker or zero limit disables the check.
	Tracker        *shm.Tracker
	MaxMappedBytes uint64
}

// DefaultOptions returns Options with a 4 KiB probe and a 1 second timeout, watching the default
// tracker with no byte ceiling.
func DefaultOptions() Options {
	return Options{
		ProbeSize:     4096,
		CheckTimeout:  time.Second,
		MaxGoroutines: 10000,
		Tracker:       shm.DefaultTracker(),
	}
}

// RegionCheck creates a region of size bytes, writes a pattern through a mapping taken before
// sealing it read-only, and reads it back through a duplicate. It fails on Linux kernels older
// than 5.1, which cannot seal a mapped object.
func RegionCheck(size uint64) healthcheck.Check {
	return func() error {
		mr, err := shm.CreateMappedReadOnly(size)
		if err != nil {
			return fmt.Errorf("create probe region: %w", err)
		}
		defer mr.Region.Close()  //nolint:errcheck
		defer mr.Mapping.Unmap() //nolint:errcheck

		want := mr.Mapping.Bytes()
		for i := range want {
			want[i] = byte(i)
		}
		dup, err := mr.Region.Duplicate()
		if err != nil {
			return fmt.Errorf("duplicate probe region: %w", err)
		}
		defer dup.Close() //nolint:errcheck

		m, err := dup.Map()
		if err != nil {
			return fmt.Errorf("map probe region: %w", err)
		}
		defer m.Unmap() //nolint:errcheck
		if m.Writable() {
			return fmt.Errorf("probe region %s is still writable after sealing", dup.ID())
		}
		if !bytes.Equal(m.Bytes(), want) {
			return fmt.Errorf("probe region %s reads back different bytes", dup.ID())
		}
		return nil
	}
}

// MappedBytesCheck fails while t reports more than limit bytes mapped.
func MappedBytesCheck(t *shm.Tracker, limit uint64) healthcheck.Check {
	return func() error {
		if n := t.MappedBytes(); n > limit {
			return fmt.Errorf("%d bytes of shared memory mapped, limit %d", n, limit)
		}
		return nil
	}
}

// NewHandler returns a healthcheck handler serving /live and /ready whose check results are
// exported to registry under namespace.
func NewHandler(registry prometheus.Registerer, namespace string, opts Options) healthcheck.Handler {
	h := healthcheck.NewMetricsHandler(registry, namespace)
	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	if opts.ProbeSize > 0 {
		check := RegionCheck(opts.ProbeSize)
		if opts.CheckTimeout > 0 {
			check = healthcheck.Timeout(check, opts.CheckTimeout)
		}
		h.AddReadinessCheck("shm-region", check)
	}
	if opts.Tracker != nil && opts.MaxMappedBytes > 0 {
		h.AddReadinessCheck("shm-mapped-bytes", MappedBytesCheck(opts.Tracker, opts.MaxMappedBytes))
	}
	return h
}
