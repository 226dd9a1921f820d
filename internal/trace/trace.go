// Package trace carries W3C-shaped trace identifiers through contexts, HTTP
// headers and gRPC metadata so log lines for one wake can be correlated.
package trace

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Propagation keys for gRPC metadata and HTTP headers.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
)

type ctxKey struct{}

// Context holds trace identifiers for a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New creates a root context with fresh IDs.
func New() Context {
	return Context{TraceID: newTraceID(), SpanID: newSpanID()}
}

// NewChild creates a child span of parent. A zero parent starts a new trace.
func NewChild(parent Context) Context {
	if parent.TraceID == "" {
		return New()
	}
	return Context{TraceID: parent.TraceID, SpanID: newSpanID(), ParentSpanID: parent.SpanID}
}

// FromContext extracts the trace context from ctx.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// WithContext returns ctx carrying tc.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// EnsureContext returns the existing trace context or attaches a new one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// 128-bit trace id, 64-bit span id, lowercase hex.
func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSpanID() string {
	return newTraceID()[:16]
}

// ToMap exports the context for metadata propagation.
func (c Context) ToMap() map[string]string {
	m := map[string]string{TraceIDKey: c.TraceID, SpanIDKey: c.SpanID}
	if c.ParentSpanID != "" {
		m[ParentSpanIDKey] = c.ParentSpanID
	}
	return m
}

// FromMap continues the caller's trace in a new span. The caller's span
// becomes the parent.
func FromMap(m map[string]string) Context {
	tc := Context{TraceID: m[TraceIDKey], SpanID: newSpanID(), ParentSpanID: m[SpanIDKey]}
	if tc.TraceID == "" {
		tc.TraceID = newTraceID()
	}
	return tc
}

// Span is a timed operation within a trace.
type Span struct {
	Name  string
	Ctx   Context
	Start time.Time
	End   time.Time
}

// StartSpan begins a child span of whatever trace ctx carries.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent, _ := FromContext(ctx)
	tc := NewChild(parent)
	return WithContext(ctx, tc), &Span{Name: name, Ctx: tc, Start: time.Now()}
}

// Finish marks the span complete and returns its duration.
func (s *Span) Finish() time.Duration {
	s.End = time.Now()
	return s.End.Sub(s.Start)
}

// LogValue implements slog.LogValuer.
func (s *Span) LogValue() slog.Value {
	var d time.Duration
	if !s.End.IsZero() {
		d = s.End.Sub(s.Start)
	}
	return slog.GroupValue(
		slog.String("name", s.Name),
		slog.String("span_id", s.Ctx.SpanID),
		slog.Duration("duration", d),
	)
}

// Logger returns the default logger annotated with ctx's trace ids.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	args := []any{"trace_id", tc.TraceID, "span_id", tc.SpanID}
	if tc.ParentSpanID != "" {
		args = append(args, "parent_span_id", tc.ParentSpanID)
	}
	return slog.Default().With(args...)
}
