package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/GriffinCanCode/eva-daemon/internal/audio"
	"github.com/GriffinCanCode/eva-daemon/internal/wake"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q data = %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func gaugeValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok || len(g.DataPoints) == 0 {
		t.Fatalf("metric %q data = %T, want Gauge[int64]", name, met.Data)
	}
	return g.DataPoints[0].Value
}

func TestRecorderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.FrameAnalyzed(0)
	m.FrameAnalyzed(900)
	m.ShortRead()
	m.SpeechOnset()
	m.FalseStart()
	m.SpeechOnset()
	m.Detection()

	rm := collect(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"eva.vad.frames", 2},
		{"eva.vad.short_reads", 1},
		{"eva.vad.onsets", 2},
		{"eva.vad.false_starts", 1},
		{"eva.vad.detections", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sumValue(t, rm, tt.name); got != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
			}
		})
	}

	met := findMetric(rm, "eva.vad.frame_energy")
	if met == nil {
		t.Fatal("frame energy histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("frame energy data = %T, want Histogram[float64]", met.Data)
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("frame energy count = %d, want 2", got)
	}
}

func TestRecordNotify(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordNotify(context.Background(), 0.02, "ok")
	m.RecordNotify(context.Background(), 1.5, "failed")

	met := findMetric(collect(t, reader), "eva.notify.duration")
	if met == nil {
		t.Fatal("notify histogram not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 2 {
		t.Errorf("data points = %d, want one per status", len(hist.DataPoints))
	}
}

func TestObserveCapture(t *testing.T) {
	m, reader := newTestMetrics(t)
	stats := audio.Stats{Callbacks: 10, Samples: 5120, Overflows: 2, Evicted: 64, Faults: 1, Buffered: 300}
	if err := m.ObserveCapture(func() audio.Stats { return stats }); err != nil {
		t.Fatalf("ObserveCapture: %v", err)
	}

	rm := collect(t, reader)
	if got := sumValue(t, rm, "eva.capture.callbacks"); got != 10 {
		t.Errorf("callbacks = %d, want 10", got)
	}
	if got := sumValue(t, rm, "eva.capture.overflows"); got != 2 {
		t.Errorf("overflows = %d, want 2", got)
	}
	if got := sumValue(t, rm, "eva.capture.evicted"); got != 64 {
		t.Errorf("evicted = %d, want 64", got)
	}
	if got := gaugeValue(t, rm, "eva.capture.buffered"); got != 300 {
		t.Errorf("buffered = %d, want 300", got)
	}

	stats.Callbacks = 25
	if got := sumValue(t, collect(t, reader), "eva.capture.callbacks"); got != 25 {
		t.Errorf("callbacks after update = %d, want 25", got)
	}
}

func TestObserveWake(t *testing.T) {
	m, reader := newTestMetrics(t)
	ch := wake.NewChannel(1)
	ch.Publish()
	ch.Publish()
	if err := m.ObserveWake(ch); err != nil {
		t.Fatalf("ObserveWake: %v", err)
	}

	rm := collect(t, reader)
	if got := sumValue(t, rm, "eva.wake.published"); got != 1 {
		t.Errorf("published = %d, want 1", got)
	}
	if got := sumValue(t, rm, "eva.wake.dropped"); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestProviderHandler(t *testing.T) {
	p, err := InitProvider(context.Background(), "eva-test", "dev")
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Detection()

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"eva_vad_detections", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}
