// Package orchestrator owns the wake pipeline lifecycle
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/eva-daemon/internal/audio"
	"github.com/GriffinCanCode/eva-daemon/internal/config"
	"github.com/GriffinCanCode/eva-daemon/internal/notify"
	"github.com/GriffinCanCode/eva-daemon/internal/observe"
	"github.com/GriffinCanCode/eva-daemon/internal/server"
	"github.com/GriffinCanCode/eva-daemon/internal/trace"
	"github.com/GriffinCanCode/eva-daemon/internal/vad"
	"github.com/GriffinCanCode/eva-daemon/internal/wake"
)

// Manager coordinates capture, detection and wake dispatch.
//
// Start order: open capture, start detector. Run drives the dispatcher.
// Stop order: join detector, close channel, drain dispatcher, close capture.
type Manager struct {
	cfg      *config.Config
	backend  audio.Backend
	metrics  *observe.Metrics
	vadOpts  []vad.Option
	onChange func(running bool)

	events   *wake.Channel
	dispatch *wake.Dispatcher
	webhook  *notify.Webhook

	mu       sync.Mutex
	capture  *audio.Capture
	handle   *audio.Handle
	detector *vad.Detector
	started  time.Time
	runDone  chan struct{}
	stopOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackend replaces the PortAudio backend.
func WithBackend(b audio.Backend) Option { return func(m *Manager) { m.backend = b } }

// WithMetrics records pipeline metrics on mt.
func WithMetrics(mt *observe.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithDetectorOptions passes options through to vad.New.
func WithDetectorOptions(opts ...vad.Option) Option {
	return func(m *Manager) { m.vadOpts = append(m.vadOpts, opts...) }
}

// OnStateChange calls fn after the detector starts and after it stops.
func OnStateChange(fn func(running bool)) Option { return func(m *Manager) { m.onChange = fn } }

// New creates a manager. The wake channel and dispatcher exist immediately so
// subscribers can be attached before Start. A configured webhook is
// subscribed here.
func New(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, backend: audio.PortAudio()}
	for _, opt := range opts {
		opt(m)
	}

	m.events = wake.NewChannel(cfg.EventBuffer)
	m.dispatch = wake.NewDispatcher(m.events)

	if cfg.WebhookURL != "" {
		var wopts []notify.Option
		if m.metrics != nil {
			wopts = append(wopts, notify.WithObserver(func(ctx context.Context, elapsed time.Duration, outcome string) {
				m.metrics.RecordNotify(ctx, elapsed.Seconds(), outcome)
			}))
		}
		m.webhook = notify.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout, wopts...)
		m.attachWebhook(m.dispatch.Subscribe)
	}
	return m
}

// attachWebhook subscribes the notifier. On failure the webhook is dropped so
// Status and Webhook do not report a notifier that never fires.
func (m *Manager) attachWebhook(subscribe func(string, wake.Handler) error) {
	if err := subscribe("webhook", m.webhook.Handle); err != nil {
		trace.Logger(context.Background()).Warn("webhook subscription failed", "url", m.cfg.WebhookURL, "error", err)
		m.webhook = nil
	}
}

// Subscribe attaches a wake handler. Call before Run.
func (m *Manager) Subscribe(name string, h wake.Handler) error {
	return m.dispatch.Subscribe(name, h)
}

// Start opens the capture device and starts the detector. A capture failure
// is returned unchanged so callers can inspect its code.
func (m *Manager) Start(ctx context.Context) error {
	log := trace.Logger(ctx)

	capture, handle, err := audio.OpenWith(m.backend, audio.Config{Device: m.cfg.AudioDevice})
	if err != nil {
		log.Error("audio capture failed", "error", err)
		return err
	}

	var rec vad.Recorder
	if m.metrics != nil {
		rec = m.metrics
		if err := m.metrics.ObserveCapture(capture.Stats); err != nil {
			log.Warn("capture metrics unavailable", "error", err)
		}
		if err := m.metrics.ObserveWake(m.events); err != nil {
			log.Warn("wake metrics unavailable", "error", err)
		}
	}

	opts := m.vadOpts
	if rec != nil {
		opts = append([]vad.Option{vad.WithRecorder(rec)}, opts...)
	}
	detector := vad.New(capture, m.events, opts...)
	if err := detector.Start(); err != nil {
		_ = handle.Close()
		return err
	}

	m.mu.Lock()
	m.capture, m.handle, m.detector = capture, handle, detector
	m.started = time.Now()
	m.mu.Unlock()

	log.Info("wake pipeline started", "device", handle.Device(), "sample_rate", capture.SampleRate())
	m.notifyState(true)
	return nil
}

// Run dispatches wake events until Stop closes the channel or ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	done := make(chan struct{})
	m.mu.Lock()
	m.runDone = done
	m.mu.Unlock()
	defer close(done)
	return m.dispatch.Run(ctx)
}

// Stop tears the pipeline down in order. Safe to call more than once and
// before Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		detector, handle, runDone := m.detector, m.handle, m.runDone
		m.mu.Unlock()

		if detector != nil {
			detector.Close()
			m.notifyState(false)
		}
		m.events.Close()

		if runDone != nil {
			select {
			case <-runDone:
			case <-time.After(DrainTimeout):
				trace.Logger(context.Background()).Warn("wake dispatcher did not drain", "timeout", DrainTimeout)
			}
		}

		if handle != nil {
			if err := handle.Close(); err != nil {
				trace.Logger(context.Background()).Warn("audio close failed", "error", err)
			}
		}
		trace.Logger(context.Background()).Info("wake pipeline stopped", "dispatched", m.dispatch.Dispatched())
	})
}

// Running reports whether the detector loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detector != nil && m.detector.Running()
}

// Capturing reports whether the audio stream is active.
func (m *Manager) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil && m.handle.Active()
}

// Webhook returns the configured notifier, or nil.
func (m *Manager) Webhook() *notify.Webhook { return m.webhook }

// Status implements server.StatusSource.
func (m *Manager) Status() server.Status {
	m.mu.Lock()
	capture, handle, started := m.capture, m.handle, m.started
	running := m.detector != nil && m.detector.Running()
	m.mu.Unlock()

	st := server.Status{
		Running:    running,
		Detections: m.events.Published(),
		Dropped:    m.events.Dropped(),
	}
	if handle != nil {
		st.Capturing = handle.Active()
		st.Device = handle.Device()
	}
	if capture != nil {
		stats := capture.Stats()
		st.SampleRate = capture.SampleRate()
		st.Buffered = stats.Buffered
		st.Callbacks = stats.Callbacks
		st.Overflows = stats.Overflows
		st.Evicted = stats.Evicted
	}
	if m.webhook != nil {
		st.Webhook = m.webhook.Breaker().State().String()
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Truncate(time.Second).String()
	}
	return st
}

func (m *Manager) notifyState(running bool) {
	if m.onChange != nil {
		m.onChange(running)
	}
}
