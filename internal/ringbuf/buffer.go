// Package ringbuf provides a bounded overwrite-oldest store for mono PCM samples
package ringbuf

import (
	"sync"
	"sync/atomic"
)

// Ring configuration constants
const (
	// FrameSamples is the analysis frame length the default capacity is sized against.
	FrameSamples = 512

	// DefaultCapacity holds ~1.9s of 16kHz audio.
	DefaultCapacity = FrameSamples * 60
)

// Buffer is a fixed-capacity circular store of int16 samples. When full, a push
// evicts the oldest sample. Safe for one writer and one reader; every operation
// takes the guard once and releases it before returning.
type Buffer struct {
	mu   sync.Mutex
	data []int16
	head int // index of oldest sample
	size int

	evicted atomic.Uint64
	faults  atomic.Uint64
}

// New creates a buffer holding at most capacity samples.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{data: make([]int16, capacity)}
}

// PushOverwrite inserts one sample, evicting the oldest when full.
func (b *Buffer) PushOverwrite(s int16) {
	b.mu.Lock()
	defer b.unlock()
	b.push(s)
}

// Write pushes every sample in order under a single acquisition of the guard.
// Used by the capture callback so one hardware buffer costs one lock.
func (b *Buffer) Write(samples []int16) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.unlock()
	for _, s := range samples {
		b.push(s)
	}
}

// PopUpTo removes and returns up to n of the oldest samples in order. It returns
// fewer (possibly none) when not enough are buffered and never blocks.
func (b *Buffer) PopUpTo(n int) []int16 {
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	return out[:b.PopInto(out)]
}

// PopInto fills dst with the oldest buffered samples and returns how many were
// copied. It is the allocation-free form of PopUpTo.
func (b *Buffer) PopInto(dst []int16) (n int) {
	if len(dst) == 0 {
		return 0
	}
	b.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			b.fault()
			n = 0
		}
		b.mu.Unlock()
	}()

	n = min(len(dst), b.size)
	capacity := len(b.data)
	first := min(n, capacity-b.head)
	copy(dst, b.data[b.head:b.head+first])
	copy(dst[first:n], b.data[:n-first])
	b.head = (b.head + n) % capacity
	b.size -= n
	return n
}

// Clear drops all buffered samples and returns how many were dropped.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.unlock()
	n := b.size
	b.head, b.size = 0, 0
	return n
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Evicted returns how many samples have been overwritten before being read.
func (b *Buffer) Evicted() uint64 { return b.evicted.Load() }

// Faults returns how many operations degraded after an internal panic.
func (b *Buffer) Faults() uint64 { return b.faults.Load() }

func (b *Buffer) push(s int16) {
	capacity := len(b.data)
	if b.size == capacity {
		b.data[b.head] = s
		b.head = (b.head + 1) % capacity
		b.evicted.Add(1)
		return
	}
	b.data[(b.head+b.size)%capacity] = s
	b.size++
}

// unlock releases the guard, absorbing a panic raised while it was held. The ring
// is reset so the next operation sees a consistent empty buffer.
func (b *Buffer) unlock() {
	if r := recover(); r != nil {
		b.fault()
	}
	b.mu.Unlock()
}

func (b *Buffer) fault() {
	b.head, b.size = 0, 0
	b.faults.Add(1)
}
