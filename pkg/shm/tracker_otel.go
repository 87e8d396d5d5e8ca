package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type otelTracker struct {
	bytes    metric.Int64UpDownCounter
	mappings metric.Int64UpDownCounter
}

// NewOTelTracker returns a UsageTracker recording mapped bytes and open mappings on meter.
func NewOTelTracker(meter metric.Meter) (UsageTracker, error) {
	bytes, err := meter.Int64UpDownCounter("shm.mapped.bytes",
		metric.WithDescription("Bytes of shared memory currently mapped."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	mappings, err := meter.Int64UpDownCounter("shm.mappings",
		metric.WithDescription("Shared memory mappings currently open."),
		metric.WithUnit("{mapping}"))
	if err != nil {
		return nil, err
	}
	return &otelTracker{bytes: bytes, mappings: mappings}, nil
}

func (t *otelTracker) OnMapped(m *Mapping) {
	t.record(m, 1)
}

func (t *otelTracker) OnUnmapped(m *Mapping) {
	t.record(m, -1)
}

func (t *otelTracker) record(m *Mapping, sign int64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.Bool("shm.writable", m.Writable()))
	t.bytes.Add(ctx, sign*int64(m.MappedBytes()), attrs)
	t.mappings.Add(ctx, sign, attrs)
}
