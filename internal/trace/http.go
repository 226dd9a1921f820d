package trace

import (
	"context"
	"encoding/json"
	"net/http"
)

// Middleware continues the caller's trace from request headers, or starts one,
// and echoes the trace id on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := FromMap(map[string]string{
			TraceIDKey: r.Header.Get(TraceIDKey),
			SpanIDKey:  r.Header.Get(SpanIDKey),
		})
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// InjectHeader writes ctx's trace ids onto an outgoing request header.
func InjectHeader(ctx context.Context, h http.Header) {
	tc, ok := FromContext(ctx)
	if !ok {
		return
	}
	for k, v := range tc.ToMap() {
		h.Set(k, v)
	}
}

// ExtractFromJSON reads a trace_id field from a websocket message. It returns a
// fresh context and false when the field is absent.
func ExtractFromJSON(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return Context{TraceID: msg.TraceID, SpanID: newSpanID()}, true
}
