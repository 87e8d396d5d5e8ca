package shm

import (
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// MemoryDump is a point-in-time report of shared memory usage alongside host and process memory.
type MemoryDump struct {
	Regions        []RegionUsage
	MappedBytes    uint64
	Mappings       int64
	HostTotal      uint64
	HostAvailable  uint64
	ProcessRSS     uint64
	ProcessVirtual uint64
}

// Dump collects a MemoryDump. Host and process figures are best effort: when they cannot be read
// the dump is still returned together with the error.
func (t *Tracker) Dump() (MemoryDump, error) {
	d := MemoryDump{
		Regions:     t.Snapshot(),
		MappedBytes: t.MappedBytes(),
		Mappings:    t.Mappings(),
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return d, fmt.Errorf("read host memory: %w", err)
	}
	d.HostTotal, d.HostAvailable = vm.Total, vm.Available

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return d, fmt.Errorf("inspect process: %w", err)
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return d, fmt.Errorf("read process memory: %w", err)
	}
	d.ProcessRSS, d.ProcessVirtual = mi.RSS, mi.VMS
	return d, nil
}

func (d MemoryDump) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "shm: %d bytes in %d mappings over %d regions (host %d/%d available, rss %d)\n",
		d.MappedBytes, d.Mappings, len(d.Regions), d.HostAvailable, d.HostTotal, d.ProcessRSS)
	for _, r := range d.Regions {
		fmt.Fprintf(&b, "  %s: %d bytes, %d mappings\n", r.ID, r.Bytes, r.Mappings)
	}
	return b.String()
}
