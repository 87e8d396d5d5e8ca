package shm

import (
	"sort"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// UsageTracker is told about every mapping exactly once when it is created and once when it is
// unmapped. Implementations must be safe for concurrent use and must not keep the *Mapping, whose
// identity changes when it is moved.
type UsageTracker interface {
	OnMapped(m *Mapping)
	OnUnmapped(m *Mapping)
}

type trackerHolder struct {
	t UsageTracker
}

var (
	defaultTracker = NewTracker()
	activeTracker  atomic.Pointer[trackerHolder]
)

func init() {
	activeTracker.Store(&trackerHolder{t: defaultTracker})
}

func currentTracker() UsageTracker {
	return activeTracker.Load().t
}

// DefaultTracker returns the process-wide Tracker that records mappings unless SetUsageTracker
// replaced it.
func DefaultTracker() *Tracker {
	return defaultTracker
}

// SetUsageTracker installs t as the process-wide usage sink and returns the one it replaced. Use
// Tee to keep the default tracker while adding others. A nil t restores the default tracker.
//
// Mappings created before the switch are reported to whichever tracker is active when they are
// unmapped.
func SetUsageTracker(t UsageTracker) UsageTracker {
	if t == nil {
		t = defaultTracker
	}
	return activeTracker.Swap(&trackerHolder{t: t}).t
}

type tee []UsageTracker

// Tee returns a tracker forwarding to every tracker in ts, in order.
func Tee(ts ...UsageTracker) UsageTracker {
	return tee(ts)
}

func (t tee) OnMapped(m *Mapping) {
	for _, tr := range t {
		tr.OnMapped(m)
	}
}

func (t tee) OnUnmapped(m *Mapping) {
	for _, tr := range t {
		tr.OnUnmapped(m)
	}
}

// RegionUsage is how much of one region is currently mapped in this process.
type RegionUsage struct {
	ID       ID
	Bytes    uint64
	Mappings int64
}

// Tracker accounts mapped bytes per region ID. Bytes are those the OS mapped, including the
// alignment padding in front of windows at unaligned offsets.
type Tracker struct {
	regions  cmap.ConcurrentMap[string, RegionUsage]
	bytes    atomic.Int64
	mappings atomic.Int64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{regions: cmap.New[RegionUsage]()}
}

func (t *Tracker) OnMapped(m *Mapping) {
	id, size := m.ID(), m.MappedBytes()
	t.regions.Upsert(id.String(), RegionUsage{}, func(exist bool, cur, _ RegionUsage) RegionUsage {
		if !exist {
			cur = RegionUsage{ID: id}
		}
		cur.Bytes += size
		cur.Mappings++
		return cur
	})
	t.bytes.Add(int64(size))
	t.mappings.Add(1)
}

func (t *Tracker) OnUnmapped(m *Mapping) {
	key, size := m.ID().String(), m.MappedBytes()
	t.regions.Upsert(key, RegionUsage{}, func(exist bool, cur, _ RegionUsage) RegionUsage {
		if !exist {
			logger.Warnf("unmap of untracked region %s", key)
			return cur
		}
		cur.Bytes -= size
		cur.Mappings--
		return cur
	})
	t.regions.RemoveCb(key, func(_ string, v RegionUsage, exists bool) bool {
		return exists && v.Mappings <= 0
	})
	t.bytes.Add(-int64(size))
	t.mappings.Add(-1)
}

// MappedBytes returns the total size of live mappings.
func (t *Tracker) MappedBytes() uint64 {
	if n := t.bytes.Load(); n > 0 {
		return uint64(n)
	}
	return 0
}

// Mappings returns the number of live mappings.
func (t *Tracker) Mappings() int64 {
	return t.mappings.Load()
}

// Usage returns the usage recorded for id.
func (t *Tracker) Usage(id ID) (RegionUsage, bool) {
	return t.regions.Get(id.String())
}

// Snapshot returns per-region usage ordered by ID.
func (t *Tracker) Snapshot() []RegionUsage {
	items := t.regions.Items()
	out := make([]RegionUsage, 0, len(items))
	for _, u := range items {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
