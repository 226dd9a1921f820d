// Package resilience provides retry and circuit breaking for outbound calls.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/eva-daemon/internal/errors"
)

// State represents circuit breaker state
type State uint32

const (
	Closed   State = iota // Normal operation
	Open                  // Failing fast
	HalfOpen              // Probing recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned without calling through while the breaker is open.
var ErrOpen = apperrors.New(apperrors.Unavailable, "circuit breaker open")

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State       State
	Failures    int
	Rejected    uint64
	LastFailure time.Time
}

// Breaker is a consecutive-failure circuit breaker. Transitions happen under
// one mutex so a half-open probe cannot race a concurrent failure.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time
	hook func(from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	rejected    uint64
	lastFailure time.Time
}

// New creates a breaker. name appears in state change logs.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// WithHook sets a state change callback. It runs after the transition with
// the breaker unlocked.
func (b *Breaker) WithHook(fn func(from, to State)) *Breaker {
	b.hook = fn
	return b
}

// Allow returns nil if a call may proceed. An open breaker whose reset
// timeout has passed moves to half-open and admits the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state == Open {
		if b.now().Sub(b.lastFailure) <= b.cfg.ResetTimeout {
			b.rejected++
			b.mu.Unlock()
			return ErrOpen
		}
		from := b.setLocked(HalfOpen)
		b.mu.Unlock()
		b.fire(from, HalfOpen)
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			from := b.setLocked(Closed)
			b.mu.Unlock()
			b.fire(from, Closed)
			return
		}
	case Closed:
		b.failures = 0
	}
	b.mu.Unlock()
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.lastFailure = b.now()
	b.failures++

	open := b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.Threshold)
	if !open {
		b.mu.Unlock()
		return
	}
	failures := b.failures
	from := b.setLocked(Open)
	b.mu.Unlock()

	slog.Warn("circuit breaker opened", "breaker", b.name, "failures", failures)
	b.fire(from, Open)
}

// State returns current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, Failures: b.failures, Rejected: b.rejected, LastFailure: b.lastFailure}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.setLocked(Closed)
	b.mu.Unlock()
	b.fire(from, Closed)
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// setLocked moves to state and returns the previous one. Counters reset on
// every real transition.
func (b *Breaker) setLocked(to State) State {
	from := b.state
	if from == to {
		return from
	}
	b.state = to
	b.successes = 0
	if to == Closed {
		b.failures = 0
	}
	return from
}

func (b *Breaker) fire(from, to State) {
	if from == to {
		return
	}
	if to != Open {
		slog.Info("circuit breaker "+to.String(), "breaker", b.name)
	}
	if b.hook != nil {
		b.hook(from, to)
	}
}
