// Package audio captures mono 16 kHz microphone audio into a ring buffer.
package audio

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/GriffinCanCode/eva-daemon/internal/errors"
	"github.com/GriffinCanCode/eva-daemon/internal/ringbuf"
)

// Stream format. Fixed; the detector depends on it.
const (
	SampleRate      = 16000
	Channels        = 1
	FramesPerBuffer = ringbuf.FrameSamples
)

// statusQueue bounds pending stream status reports. Reports beyond it are
// counted but not logged.
const statusQueue = 8

// Stream is a started or startable native stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Callback receives each hardware buffer on the real-time audio thread.
type Callback func(in []float32, flags portaudio.StreamCallbackFlags)

// Backend is the host audio API. The portaudio implementation is returned by
// PortAudio; tests substitute their own.
type Backend interface {
	Initialize() error
	Terminate() error
	DefaultInputDevice() (*portaudio.DeviceInfo, error)
	Devices() ([]*portaudio.DeviceInfo, error)
	OpenStream(params portaudio.StreamParameters, cb Callback) (Stream, error)
}

type portaudioBackend struct{}

// PortAudio returns the host backend.
func PortAudio() Backend { return portaudioBackend{} }

func (portaudioBackend) Initialize() error { return portaudio.Initialize() }
func (portaudioBackend) Terminate() error  { return portaudio.Terminate() }

func (portaudioBackend) DefaultInputDevice() (*portaudio.DeviceInfo, error) {
	return portaudio.DefaultInputDevice()
}

func (portaudioBackend) Devices() ([]*portaudio.DeviceInfo, error) { return portaudio.Devices() }

func (portaudioBackend) OpenStream(params portaudio.StreamParameters, cb Callback) (Stream, error) {
	return portaudio.OpenStream(params, func(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		cb(in, flags)
	})
}

// Config selects the input device and ring size.
type Config struct {
	// Device is a case-insensitive substring of the input device name. Empty
	// selects the host default input.
	Device string
	// Capacity of the sample ring. Zero uses ringbuf.DefaultCapacity.
	Capacity int
}

// Stats is a snapshot of capture counters.
type Stats struct {
	Callbacks  uint64
	Samples    uint64
	Overflows  uint64
	Underflows uint64
	Evicted    uint64
	Faults     uint64
	Buffered   int
}

// Capture is the consumer side of an open stream. It is cheap to share.
type Capture struct {
	buf *ringbuf.Buffer
	rx  *receiver
}

// ReadSamples returns up to count of the oldest captured samples. It never blocks.
func (c *Capture) ReadSamples(count int) []int16 { return c.buf.PopUpTo(count) }

// Discard drops all buffered samples and returns how many were dropped.
func (c *Capture) Discard() int { return c.buf.Clear() }

// Buffered returns the number of samples waiting to be read.
func (c *Capture) Buffered() int { return c.buf.Len() }

// SampleRate returns the capture rate in Hz.
func (c *Capture) SampleRate() int { return SampleRate }

// Stats returns current counters.
func (c *Capture) Stats() Stats {
	return Stats{
		Callbacks:  c.rx.callbacks.Load(),
		Samples:    c.rx.samples.Load(),
		Overflows:  c.rx.overflows.Load(),
		Underflows: c.rx.underflows.Load(),
		Evicted:    c.buf.Evicted(),
		Faults:     c.buf.Faults(),
		Buffered:   c.buf.Len(),
	}
}

// Handle owns the native stream. Audio stops being delivered when it is
// closed, so it must outlive every consumer of the paired Capture.
type Handle struct {
	backend Backend
	stream  Stream
	device  string

	active   atomic.Bool
	once     sync.Once
	closeErr error
	done     chan struct{}
	reported sync.WaitGroup
}

// Device returns the name of the open input device.
func (h *Handle) Device() string { return h.device }

// Active reports whether the stream is running.
func (h *Handle) Active() bool { return h.active.Load() }

// Close stops and releases the stream and the host API. Safe to call more
// than once; later calls return the first result.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.active.Store(false)
		stopErr := h.stream.Stop()
		closeErr := h.stream.Close()
		_ = h.backend.Terminate()
		close(h.done)
		h.reported.Wait()

		switch {
		case stopErr != nil:
			h.closeErr = apperrors.Wrap(stopErr, apperrors.Internal, "stop audio stream")
		case closeErr != nil:
			h.closeErr = apperrors.Wrap(closeErr, apperrors.Internal, "close audio stream")
		}
		slog.Info("audio capture closed", "device", h.device)
	})
	return h.closeErr
}

// Open starts capture on the configured input device using portaudio.
func Open(cfg Config) (*Capture, *Handle, error) {
	return OpenWith(PortAudio(), cfg)
}

// OpenWith starts capture on backend. Failures are terminal and returned as
// *errors.AppError with an audio code.
func OpenWith(backend Backend, cfg Config) (*Capture, *Handle, error) {
	if err := backend.Initialize(); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.AudioStreamOpenFailed, "initialize audio host")
	}

	dev, err := selectDevice(backend, cfg.Device)
	if err != nil {
		_ = backend.Terminate()
		return nil, nil, err
	}

	buf := ringbuf.New(cfg.Capacity)
	rx := newReceiver(buf)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: FramesPerBuffer,
	}

	stream, err := backend.OpenStream(params, rx.process)
	if err != nil {
		_ = backend.Terminate()
		return nil, nil, apperrors.Wrap(err, apperrors.AudioStreamOpenFailed, "open input stream").
			WithMetadata("device", dev.Name)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = backend.Terminate()
		return nil, nil, apperrors.Wrap(err, apperrors.AudioStreamStartFailed, "start input stream").
			WithMetadata("device", dev.Name)
	}

	h := &Handle{backend: backend, stream: stream, device: dev.Name, done: make(chan struct{})}
	h.active.Store(true)
	h.reported.Add(1)
	go h.report(rx.status)

	slog.Info("audio capture started", "device", dev.Name, "sample_rate", SampleRate, "frames_per_buffer", FramesPerBuffer)
	return &Capture{buf: buf, rx: rx}, h, nil
}

// report logs stream status flags raised by the callback until the handle closes.
func (h *Handle) report(status <-chan portaudio.StreamCallbackFlags) {
	defer h.reported.Done()
	for {
		select {
		case <-h.done:
			return
		case flags := <-status:
			slog.Warn("audio stream status", "device", h.device,
				"input_overflow", flags&portaudio.InputOverflow != 0,
				"input_underflow", flags&portaudio.InputUnderflow != 0)
		}
	}
}

func selectDevice(backend Backend, name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := backend.DefaultInputDevice()
		if err != nil || dev == nil || dev.MaxInputChannels < 1 {
			return nil, apperrors.Wrap(err, apperrors.AudioDeviceNotFound, "no default input device")
		}
		return dev, nil
	}

	devices, err := backend.Devices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.AudioDeviceNotFound, "list audio devices")
	}
	for _, dev := range devices {
		if dev.MaxInputChannels >= 1 && containsIgnoreCase(dev.Name, name) {
			return dev, nil
		}
	}
	return nil, apperrors.Newf(apperrors.AudioDeviceNotFound, "no input device matching %q", name).
		WithMetadata("device", name)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// receiver is the real-time side. process must not block, allocate or log.
type receiver struct {
	buf    *ringbuf.Buffer
	pcm    []int16
	status chan portaudio.StreamCallbackFlags

	callbacks  atomic.Uint64
	samples    atomic.Uint64
	overflows  atomic.Uint64
	underflows atomic.Uint64
}

func newReceiver(buf *ringbuf.Buffer) *receiver {
	return &receiver{
		buf:    buf,
		pcm:    make([]int16, FramesPerBuffer),
		status: make(chan portaudio.StreamCallbackFlags, statusQueue),
	}
}

func (r *receiver) process(in []float32, flags portaudio.StreamCallbackFlags) {
	r.callbacks.Add(1)
	if flags&(portaudio.InputOverflow|portaudio.InputUnderflow) != 0 {
		if flags&portaudio.InputOverflow != 0 {
			r.overflows.Add(1)
		}
		if flags&portaudio.InputUnderflow != 0 {
			r.underflows.Add(1)
		}
		select {
		case r.status <- flags:
		default:
		}
	}

	r.samples.Add(uint64(len(in)))
	for len(in) > 0 {
		n := min(len(in), len(r.pcm))
		for i, s := range in[:n] {
			r.pcm[i] = toPCM16(s)
		}
		r.buf.Write(r.pcm[:n])
		in = in[n:]
	}
}

// toPCM16 converts a float sample in [-1, 1] to int16, rounding and clamping.
func toPCM16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
