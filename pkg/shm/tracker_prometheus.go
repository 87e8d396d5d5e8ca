package shm

import (
	"github.com/prometheus/client_golang/prometheus"
)

type trackerCollector struct {
	t        *Tracker
	bytes    *prometheus.Desc
	mappings *prometheus.Desc
	regions  *prometheus.Desc
	perBytes *prometheus.Desc
}

// NewPrometheusCollector exposes t as gauges. Per-region series are only emitted when perRegion
// is set, since region IDs are unbounded.
func NewPrometheusCollector(t *Tracker, namespace string, perRegion bool) prometheus.Collector {
	c := &trackerCollector{
		t: t,
		bytes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "shm", "mapped_bytes"),
			"Bytes of shared memory currently mapped by this process.", nil, nil),
		mappings: prometheus.NewDesc(prometheus.BuildFQName(namespace, "shm", "mappings"),
			"Shared memory mappings currently open in this process.", nil, nil),
		regions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "shm", "mapped_regions"),
			"Distinct shared memory regions with at least one mapping.", nil, nil),
	}
	if perRegion {
		c.perBytes = prometheus.NewDesc(prometheus.BuildFQName(namespace, "shm", "region_mapped_bytes"),
			"Bytes mapped per shared memory region.", []string{"region"}, nil)
	}
	return c
}

func (c *trackerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytes
	ch <- c.mappings
	ch <- c.regions
	if c.perBytes != nil {
		ch <- c.perBytes
	}
}

func (c *trackerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.t.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(c.t.MappedBytes()))
	ch <- prometheus.MustNewConstMetric(c.mappings, prometheus.GaugeValue, float64(c.t.Mappings()))
	ch <- prometheus.MustNewConstMetric(c.regions, prometheus.GaugeValue, float64(len(snap)))
	if c.perBytes == nil {
		return
	}
	for _, u := range snap {
		ch <- prometheus.MustNewConstMetric(c.perBytes, prometheus.GaugeValue, float64(u.Bytes), u.ID.String())
	}
}
