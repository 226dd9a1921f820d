package wake

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"

	"github.com/GriffinCanCode/eva-daemon/internal/trace"
)

// Topic is the bus topic wake notices are published on.
const Topic = "wake:detected"

// Notice is the dispatched form of an Event, stamped for downstream consumers.
type Notice struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"timestamp"`
	TraceID string    `json:"trace_id,omitempty"`
}

// Handler consumes notices. ctx carries the notice's trace context.
type Handler func(ctx context.Context, n Notice)

// Dispatcher drains a Channel and fans each event out to subscribers.
// Each subscriber runs on its own goroutine and sees notices in order.
type Dispatcher struct {
	bus evbus.Bus
	ch  *Channel
	now func() time.Time

	seq         atomic.Uint64
	subscribers atomic.Int32
}

// NewDispatcher creates a dispatcher reading from ch.
func NewDispatcher(ch *Channel) *Dispatcher {
	return &Dispatcher{bus: evbus.New(), ch: ch, now: time.Now}
}

// Subscribe registers h under name. A panicking handler is logged and the
// notice skipped; other subscribers are unaffected.
func (d *Dispatcher) Subscribe(name string, h Handler) error {
	fn := func(ctx context.Context, n Notice) {
		defer func() {
			if r := recover(); r != nil {
				trace.Logger(ctx).Error("wake subscriber panicked", "subscriber", name, "panic", r)
			}
		}()
		h(ctx, n)
	}
	if err := d.bus.SubscribeAsync(Topic, fn, true); err != nil {
		return err
	}
	d.subscribers.Add(1)
	return nil
}

// Run dispatches until the channel is closed or ctx is done, then waits for
// in-flight handlers to return.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.bus.WaitAsync()
	for d.ch.Wait(ctx) {
		d.dispatch(ctx)
	}
	return nil
}

// Dispatched returns how many notices have been published.
func (d *Dispatcher) Dispatched() uint64 { return d.seq.Load() }

func (d *Dispatcher) dispatch(ctx context.Context) {
	tc := trace.New()
	n := Notice{
		ID:      uuid.NewString(),
		Seq:     d.seq.Add(1),
		Time:    d.now(),
		TraceID: tc.TraceID,
	}
	hctx := trace.WithContext(context.WithoutCancel(ctx), tc)
	trace.Logger(hctx).Info("wake detected",
		slog.String("id", n.ID),
		slog.Uint64("seq", n.Seq),
		slog.Int("subscribers", int(d.subscribers.Load())))
	d.bus.Publish(Topic, hctx, n)
}
