// Package observe provides OpenTelemetry metrics for the wake pipeline.
//
// Instruments are created against a [metric.MeterProvider]; [InitProvider]
// builds one backed by a Prometheus exporter for the /metrics endpoint. Tests
// should pass an SDK provider with a ManualReader.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/GriffinCanCode/eva-daemon/internal/audio"
	"github.com/GriffinCanCode/eva-daemon/internal/wake"
)

// meterName is the instrumentation scope for all daemon metrics.
const meterName = "github.com/GriffinCanCode/eva-daemon"

// energyBuckets spans silence to full-scale frame energy.
var energyBuckets = []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// latencyBuckets, in seconds, for webhook delivery.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds the daemon's instruments. It implements vad.Recorder.
type Metrics struct {
	meter metric.Meter

	FramesAnalyzed metric.Int64Counter
	ShortReads     metric.Int64Counter
	SpeechOnsets   metric.Int64Counter
	FalseStarts    metric.Int64Counter
	Detections     metric.Int64Counter
	FrameEnergy    metric.Float64Histogram

	NotifyDuration metric.Float64Histogram
	WSClients      metric.Int64UpDownCounter
}

// NewMetrics creates all synchronous instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{meter: mp.Meter(meterName)}
	var err error

	if m.FramesAnalyzed, err = m.meter.Int64Counter("eva.vad.frames",
		metric.WithDescription("Frames analyzed by the voice activity detector."),
	); err != nil {
		return nil, err
	}
	if m.ShortReads, err = m.meter.Int64Counter("eva.vad.short_reads",
		metric.WithDescription("Frame pulls that found too few samples and slept."),
	); err != nil {
		return nil, err
	}
	if m.SpeechOnsets, err = m.meter.Int64Counter("eva.vad.onsets",
		metric.WithDescription("Transitions from idle to speaking."),
	); err != nil {
		return nil, err
	}
	if m.FalseStarts, err = m.meter.Int64Counter("eva.vad.false_starts",
		metric.WithDescription("Speech that ended before the minimum duration."),
	); err != nil {
		return nil, err
	}
	if m.Detections, err = m.meter.Int64Counter("eva.vad.detections",
		metric.WithDescription("Confirmed speech onsets."),
	); err != nil {
		return nil, err
	}
	if m.FrameEnergy, err = m.meter.Float64Histogram("eva.vad.frame_energy",
		metric.WithDescription("Scaled mean-square energy per analyzed frame."),
		metric.WithExplicitBucketBoundaries(energyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.NotifyDuration, err = m.meter.Float64Histogram("eva.notify.duration",
		metric.WithDescription("Webhook delivery latency including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.WSClients, err = m.meter.Int64UpDownCounter("eva.ws.clients",
		metric.WithDescription("Connected websocket clients."),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// FrameAnalyzed records one analyzed frame and its energy.
func (m *Metrics) FrameAnalyzed(energy float64) {
	ctx := context.Background()
	m.FramesAnalyzed.Add(ctx, 1)
	m.FrameEnergy.Record(ctx, energy)
}

// ShortRead records a frame pull that came up short.
func (m *Metrics) ShortRead() { m.ShortReads.Add(context.Background(), 1) }

// SpeechOnset records an idle to speaking transition.
func (m *Metrics) SpeechOnset() { m.SpeechOnsets.Add(context.Background(), 1) }

// FalseStart records speech abandoned before the minimum duration.
func (m *Metrics) FalseStart() { m.FalseStarts.Add(context.Background(), 1) }

// Detection records a confirmed onset.
func (m *Metrics) Detection() { m.Detections.Add(context.Background(), 1) }

// RecordNotify records a webhook delivery attempt by outcome.
func (m *Metrics) RecordNotify(ctx context.Context, seconds float64, status string) {
	m.NotifyDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// ObserveCapture exports capture counters read from stats at collection time.
func (m *Metrics) ObserveCapture(stats func() audio.Stats) error {
	counters := []struct {
		name, desc string
		read       func(audio.Stats) uint64
	}{
		{"eva.capture.callbacks", "Audio callbacks received.", func(s audio.Stats) uint64 { return s.Callbacks }},
		{"eva.capture.samples", "Samples delivered by the device.", func(s audio.Stats) uint64 { return s.Samples }},
		{"eva.capture.overflows", "Callbacks flagged with input overflow.", func(s audio.Stats) uint64 { return s.Overflows }},
		{"eva.capture.evicted", "Samples overwritten before being read.", func(s audio.Stats) uint64 { return s.Evicted }},
		{"eva.capture.faults", "Ring buffer operations degraded after a fault.", func(s audio.Stats) uint64 { return s.Faults }},
	}
	for _, c := range counters {
		read := c.read
		if _, err := m.meter.Int64ObservableCounter(c.name,
			metric.WithDescription(c.desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(read(stats())))
				return nil
			}),
		); err != nil {
			return err
		}
	}

	_, err := m.meter.Int64ObservableGauge("eva.capture.buffered",
		metric.WithDescription("Samples waiting in the ring buffer."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(stats().Buffered))
			return nil
		}),
	)
	return err
}

// ObserveWake exports wake channel counters.
func (m *Metrics) ObserveWake(ch *wake.Channel) error {
	if _, err := m.meter.Int64ObservableCounter("eva.wake.published",
		metric.WithDescription("Wake events accepted by the channel."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(ch.Published()))
			return nil
		}),
	); err != nil {
		return err
	}
	_, err := m.meter.Int64ObservableCounter("eva.wake.dropped",
		metric.WithDescription("Wake events dropped because the channel was full."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(ch.Dropped()))
			return nil
		}),
	)
	return err
}
