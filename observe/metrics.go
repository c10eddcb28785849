// Package observe records pipeline metrics through the OpenTelemetry
// Metrics API. A Prometheus exporter bridge is available via InitProvider
// so the numbers stay scrapeable from a /metrics endpoint. The record
// helpers are safe on a nil receiver: a pipeline assembled without metrics
// skips recording entirely.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all mixbus metrics.
const meterName = "github.com/aukern/mixbus"

// Metrics holds the OpenTelemetry instruments of the pipeline. The
// underlying OTel types handle their own synchronisation.
type Metrics struct {
	// FramesProcessed counts frames leaving a stage. Attributes:
	//   attribute.String("stage", ...), attribute.String("id", ...)
	FramesProcessed metric.Int64Counter

	// FramesDropped counts frames lost to full queues.
	// Attribute: attribute.String("queue", ...)
	FramesDropped metric.Int64Counter

	// Underruns counts late frame deliveries per stream.
	Underruns metric.Int64Counter

	// Overruns counts early frame deliveries per stream.
	Overruns metric.Int64Counter

	// SyncAdjustments counts drift corrections applied to resamplers.
	SyncAdjustments metric.Int64Counter

	// SinkErrors counts failed sink writes.
	// Attribute: attribute.String("sink", ...)
	SinkErrors metric.Int64Counter

	// QueueDepth tracks buffered frames per queue.
	QueueDepth metric.Int64UpDownCounter

	// ActiveChannels tracks the number of running channel strips.
	ActiveChannels metric.Int64UpDownCounter

	// MixDuration tracks the wall time of one mix cycle.
	MixDuration metric.Float64Histogram
}

// cycleBuckets are histogram boundaries (seconds) sized for mix cycles,
// which run on a multi-millisecond cadence.
var cycleBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// New creates the full instrument set on the given provider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("mixbus.frames.processed",
		metric.WithDescription("Frames leaving a pipeline stage, by stage and id."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("mixbus.frames.dropped",
		metric.WithDescription("Frames lost to full queues, by queue."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("mixbus.sync.underruns",
		metric.WithDescription("Late frame deliveries, by stream."),
	); err != nil {
		return nil, err
	}
	if met.Overruns, err = m.Int64Counter("mixbus.sync.overruns",
		metric.WithDescription("Early frame deliveries, by stream."),
	); err != nil {
		return nil, err
	}
	if met.SyncAdjustments, err = m.Int64Counter("mixbus.sync.adjustments",
		metric.WithDescription("Drift corrections fed into resamplers, by stream."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("mixbus.sink.errors",
		metric.WithDescription("Failed sink writes, by sink."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("mixbus.queue.depth",
		metric.WithDescription("Frames buffered per queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveChannels, err = m.Int64UpDownCounter("mixbus.channels.active",
		metric.WithDescription("Channel strips currently running."),
	); err != nil {
		return nil, err
	}
	if met.MixDuration, err = m.Float64Histogram("mixbus.mix.duration",
		metric.WithDescription("Wall time of one mix cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level Metrics instance, creating it on first
// call from the global OTel provider. Panics if instrument creation fails,
// which the global provider does not do.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = New(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrames adds processed frames for one stage.
func (m *Metrics) RecordFrames(ctx context.Context, stage, id string, n int64) {
	if m == nil {
		return
	}
	m.FramesProcessed.Add(ctx, n, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("id", id),
	))
}

// RecordDrops adds dropped frames for one queue.
func (m *Metrics) RecordDrops(ctx context.Context, queue string, n int64) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordUnderrun counts a late delivery on a stream.
func (m *Metrics) RecordUnderrun(ctx context.Context, stream string) {
	if m == nil {
		return
	}
	m.Underruns.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordOverrun counts an early delivery on a stream.
func (m *Metrics) RecordOverrun(ctx context.Context, stream string) {
	if m == nil {
		return
	}
	m.Overruns.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordAdjustment counts a drift correction on a stream.
func (m *Metrics) RecordAdjustment(ctx context.Context, stream string) {
	if m == nil {
		return
	}
	m.SyncAdjustments.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordSinkError counts a failed write on a sink.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// AddQueueDepth moves the buffered frame gauge of a queue.
func (m *Metrics) AddQueueDepth(ctx context.Context, queue string, delta int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("queue", queue)))
}

// AddActiveChannels moves the running channel gauge.
func (m *Metrics) AddActiveChannels(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveChannels.Add(ctx, delta)
}

// RecordMixDuration records the wall time of one mix cycle.
func (m *Metrics) RecordMixDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.MixDuration.Record(ctx, d.Seconds())
}
