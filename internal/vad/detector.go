// Package vad implements energy-threshold voice activity detection over a
// stream of 16 kHz mono PCM frames.
package vad

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/GriffinCanCode/eva-daemon/internal/errors"
	"github.com/GriffinCanCode/eva-daemon/internal/ringbuf"
	"github.com/GriffinCanCode/eva-daemon/internal/wake"
)

// Detection constants. These are fixed and not configurable.
const (
	FrameSize         = ringbuf.FrameSamples // ~32ms at 16kHz
	EnergyThreshold   = 500.0
	MinSpeechDuration = 200 * time.Millisecond
	Cooldown          = 2 * time.Second
	RetryInterval     = 10 * time.Millisecond
	EnergyScale       = 10000.0
)

// ErrAlreadyRunning is returned by Start on a detector whose loop is still alive.
var ErrAlreadyRunning = apperrors.New(apperrors.VADAlreadyRunning, "detector already running")

// Source supplies captured samples. ReadSamples never blocks and may return
// fewer than count samples; Discard drops everything buffered.
type Source interface {
	ReadSamples(count int) []int16
	Discard() int
}

// Clock abstracts time so the loop can be driven deterministically.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Recorder observes detector activity. Calls happen on the detector goroutine.
type Recorder interface {
	FrameAnalyzed(energy float64)
	ShortRead()
	SpeechOnset()
	FalseStart()
	Detection()
}

type nopRecorder struct{}

func (nopRecorder) FrameAnalyzed(float64) {}
func (nopRecorder) ShortRead()            {}
func (nopRecorder) SpeechOnset()          {}
func (nopRecorder) FalseStart()           {}
func (nopRecorder) Detection()            {}

// Energy returns the scaled mean-square amplitude of frame. An empty or silent
// frame yields exactly 0.
func Energy(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768
		sum += v * v
	}
	return sum / float64(len(frame)) * EnergyScale
}

type phase uint8

const (
	idle phase = iota
	speaking
)

type transition uint8

const (
	none transition = iota
	onset
	falseStart
	detected
)

// speechState is the debounce state machine. It is owned by one goroutine.
type speechState struct {
	phase phase
	since time.Time
}

func (s *speechState) step(energy float64, now time.Time) transition {
	if energy <= EnergyThreshold {
		if s.phase == speaking {
			s.phase = idle
			return falseStart
		}
		return none
	}
	switch s.phase {
	case idle:
		s.phase, s.since = speaking, now
		return onset
	case speaking:
		if now.Sub(s.since) >= MinSpeechDuration {
			s.phase = idle
			return detected
		}
	}
	return none
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(d *Detector) { d.clock = c } }

// WithRecorder attaches an activity recorder.
func WithRecorder(r Recorder) Option { return func(d *Detector) { d.rec = r } }

// Detector runs the detection loop on its own goroutine and publishes one
// wake.Event per confirmed speech onset. Start and Close must not be called
// concurrently with each other.
type Detector struct {
	src    Source
	events *wake.Channel
	clock  Clock
	rec    Recorder

	running atomic.Bool
	mu      sync.Mutex
	done    chan struct{}
}

// New creates a stopped detector reading from src and publishing to events.
// Callers should defer Close immediately.
func New(src Source, events *wake.Channel, opts ...Option) *Detector {
	d := &Detector{src: src, events: events, clock: realClock{}, rec: nopRecorder{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start spawns the detection loop. It fails if a previous loop has not exited.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() || d.alive() {
		return ErrAlreadyRunning
	}
	d.running.Store(true)
	d.done = make(chan struct{})
	go d.run(d.done)
	slog.Info("voice activity detector started", "threshold", EnergyThreshold, "frame", FrameSize)
	return nil
}

// Stop requests the loop to exit. An in-progress sleep or cooldown is not
// interrupted.
func (d *Detector) Stop() {
	d.running.Store(false)
}

// Close stops the loop and waits for it to exit. Safe on a detector that was
// never started and safe to call more than once.
func (d *Detector) Close() {
	d.Stop()
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the loop has been started and not asked to stop.
func (d *Detector) Running() bool { return d.running.Load() }

// WaitForDetection blocks until an event arrives, the channel closes, or ctx
// is done. It reports whether an event was received.
func (d *Detector) WaitForDetection(ctx context.Context) bool {
	return d.events.Wait(ctx)
}

// TryDetection reports whether an event was immediately available.
func (d *Detector) TryDetection() bool {
	return d.events.Try()
}

func (d *Detector) alive() bool {
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *Detector) run(done chan struct{}) {
	defer close(done)
	defer slog.Info("voice activity detector stopped")

	var state speechState
	frame := make([]int16, 0, FrameSize)

	for d.running.Load() {
		// Short pulls accumulate; only whole frames are analyzed.
		frame = append(frame, d.src.ReadSamples(FrameSize-len(frame))...)
		if len(frame) < FrameSize {
			d.rec.ShortRead()
			d.clock.Sleep(RetryInterval)
			continue
		}

		energy := Energy(frame)
		frame = frame[:0]
		d.rec.FrameAnalyzed(energy)

		switch state.step(energy, d.clock.Now()) {
		case onset:
			d.rec.SpeechOnset()
		case falseStart:
			d.rec.FalseStart()
		case detected:
			if !d.running.Load() {
				return
			}
			d.rec.Detection()
			if !d.events.Publish() {
				slog.Warn("wake event dropped", "pending", d.events.Pending())
			}
			d.clock.Sleep(Cooldown)
			// Audio captured during cooldown is stale.
			d.src.Discard()
		}
	}
}
