// Package wake carries confirmed speech onsets from the detector to the rest of
// the daemon.
package wake

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultCapacity bounds how many undelivered events a Channel holds. Detections
// are throttled by the cooldown, so the queue is normally empty or one deep.
const DefaultCapacity = 16

// Event is a confirmed speech onset. It has no payload.
type Event struct{}

// Channel is a bounded queue of wake events with a blocking receive and a
// non-blocking poll. Publish never blocks the producer.
type Channel struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewChannel creates a channel holding up to capacity pending events.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{ch: make(chan Event, capacity)}
}

// Publish enqueues one event. It returns false when the channel is closed or
// full; a full queue counts the event as dropped.
func (c *Channel) Publish() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- Event{}:
		c.published.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Wait blocks until an event arrives, the channel is closed, or ctx is done.
// It reports whether an event was received. Events queued before Close are
// still delivered.
func (c *Channel) Wait(ctx context.Context) bool {
	select {
	case _, ok := <-c.ch:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Try reports whether an event was immediately available, consuming it.
func (c *Channel) Try() bool {
	select {
	case _, ok := <-c.ch:
		return ok
	default:
		return false
	}
}

// Close wakes every waiter. Later publishes are ignored. Safe to call twice.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Pending returns the number of queued events.
func (c *Channel) Pending() int { return len(c.ch) }

// Published returns the number of events accepted.
func (c *Channel) Published() uint64 { return c.published.Load() }

// Dropped returns the number of events discarded because the queue was full.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }
