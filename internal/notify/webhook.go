// Package notify forwards wake notices to an external HTTP receiver.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	apperrors "github.com/GriffinCanCode/eva-daemon/internal/errors"
	"github.com/GriffinCanCode/eva-daemon/internal/resilience"
	"github.com/GriffinCanCode/eva-daemon/internal/trace"
	"github.com/GriffinCanCode/eva-daemon/internal/wake"
)

// Payload is the JSON body posted for each wake notice.
type Payload struct {
	Event     string    `json:"event"`
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Result counts delivery outcomes.
type Result struct {
	Delivered uint64
	Failed    uint64
	Rejected  uint64 // short-circuited by the breaker
}

// Webhook posts wake notices to a URL with retry and circuit breaking.
type Webhook struct {
	url     string
	client  *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
	observe Observer

	delivered atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// Option configures a Webhook.
type Option func(*Webhook)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option { return func(w *Webhook) { w.client = c } }

// WithRetry replaces the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option { return func(w *Webhook) { w.retry = cfg } }

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *resilience.Breaker) Option { return func(w *Webhook) { w.breaker = b } }

// Observer receives the outcome of every Send: "delivered", "failed" or
// "rejected", with the elapsed time including retries.
type Observer func(ctx context.Context, elapsed time.Duration, outcome string)

// WithObserver reports each delivery outcome to fn.
func WithObserver(fn Observer) Option { return func(w *Webhook) { w.observe = fn } }

// NewWebhook creates a notifier for url. timeout bounds each attempt.
func NewWebhook(url string, timeout time.Duration, opts ...Option) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.New("webhook", resilience.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle is a wake.Handler. Delivery errors are logged, not returned.
func (w *Webhook) Handle(ctx context.Context, n wake.Notice) {
	ctx, span := trace.StartSpan(ctx, "webhook")
	err := w.Send(ctx, n)
	span.Finish()

	log := trace.Logger(ctx)
	if err != nil {
		log.Warn("wake webhook failed", "id", n.ID, "span", span, "error", err)
		return
	}
	log.Debug("wake webhook delivered", "id", n.ID, "span", span)
}

// Send delivers n, retrying transient failures.
func (w *Webhook) Send(ctx context.Context, n wake.Notice) error {
	body, err := json.Marshal(Payload{Event: "wake", ID: n.ID, Seq: n.Seq, Timestamp: n.Time})
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "encode wake payload")
	}

	start := time.Now()
	err = resilience.Retry(ctx, w.retry, func() error {
		return w.breaker.Execute(func() error { return w.post(ctx, body) })
	})

	outcome := "delivered"
	switch {
	case err == nil:
		w.delivered.Add(1)
	case stderrors.Is(err, resilience.ErrOpen):
		w.rejected.Add(1)
		outcome = "rejected"
	default:
		w.failed.Add(1)
		outcome = "failed"
	}
	if w.observe != nil {
		w.observe(ctx, time.Since(start), outcome)
	}
	return err
}

// Stats returns delivery counters.
func (w *Webhook) Stats() Result {
	return Result{
		Delivered: w.delivered.Load(),
		Failed:    w.failed.Load(),
		Rejected:  w.rejected.Load(),
	}
}

// Breaker exposes the breaker for health reporting.
func (w *Webhook) Breaker() *resilience.Breaker { return w.breaker }

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.InvalidArgument, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	trace.InjectHeader(ctx, req.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Wrap(ctx.Err(), apperrors.Cancelled, "webhook cancelled")
		}
		return apperrors.Wrap(err, apperrors.NotifyFailed, "post webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classify(resp.StatusCode)
}

// classify maps a response status to an error. 5xx and 429 are retryable;
// other non-2xx codes are permanent.
func classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return apperrors.New(apperrors.NotifyFailed, fmt.Sprintf("webhook returned %d", status)).
			WithMetadata("status", strconv.Itoa(status))
	default:
		return apperrors.New(apperrors.InvalidArgument, fmt.Sprintf("webhook returned %d", status)).
			WithMetadata("status", strconv.Itoa(status))
	}
}
