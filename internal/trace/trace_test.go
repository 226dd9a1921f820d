package trace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func TestNewContext(t *testing.T) {
	tc := New()
	if len(tc.TraceID) != 32 {
		t.Errorf("len(TraceID) = %d, want 32", len(tc.TraceID))
	}
	if len(tc.SpanID) != 16 {
		t.Errorf("len(SpanID) = %d, want 16", len(tc.SpanID))
	}
	if tc.ParentSpanID != "" {
		t.Errorf("ParentSpanID = %q, want empty", tc.ParentSpanID)
	}
}

func TestIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New().TraceID
		if seen[id] {
			t.Fatalf("duplicate trace id %s", id)
		}
		seen[id] = true
	}
}

func TestNewChild(t *testing.T) {
	parent := New()
	child := NewChild(parent)

	if child.TraceID != parent.TraceID {
		t.Errorf("child TraceID = %s, want %s", child.TraceID, parent.TraceID)
	}
	if child.SpanID == parent.SpanID {
		t.Error("child reused parent span id")
	}
	if child.ParentSpanID != parent.SpanID {
		t.Errorf("child ParentSpanID = %s, want %s", child.ParentSpanID, parent.SpanID)
	}

	if orphan := NewChild(Context{}); orphan.TraceID == "" || orphan.ParentSpanID != "" {
		t.Errorf("NewChild(zero) = %+v, want fresh root", orphan)
	}
}

func TestEnsureContext(t *testing.T) {
	ctx, tc := EnsureContext(context.Background())
	if tc.TraceID == "" {
		t.Fatal("EnsureContext did not create a trace")
	}
	_, again := EnsureContext(ctx)
	if again.TraceID != tc.TraceID {
		t.Errorf("EnsureContext TraceID = %s, want existing %s", again.TraceID, tc.TraceID)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext(Background) ok = true, want false")
	}
}

func TestMapRoundTrip(t *testing.T) {
	m := Context{TraceID: "trace123", SpanID: "span456", ParentSpanID: "p"}.ToMap()
	if m[ParentSpanIDKey] != "p" {
		t.Errorf("ToMap parent = %q, want p", m[ParentSpanIDKey])
	}

	tc := FromMap(m)
	if tc.TraceID != "trace123" {
		t.Errorf("TraceID = %s, want trace123", tc.TraceID)
	}
	if tc.ParentSpanID != "span456" {
		t.Errorf("ParentSpanID = %s, want span456", tc.ParentSpanID)
	}
	if tc.SpanID == "span456" {
		t.Error("FromMap reused caller span id")
	}

	if fresh := FromMap(nil); len(fresh.TraceID) != 32 {
		t.Errorf("FromMap(nil) TraceID = %q, want generated", fresh.TraceID)
	}
}

func TestSpan(t *testing.T) {
	ctx := WithContext(context.Background(), New())
	parent, _ := FromContext(ctx)

	sctx, span := StartSpan(ctx, "notify")
	tc, _ := FromContext(sctx)
	if tc.TraceID != parent.TraceID || tc.ParentSpanID != parent.SpanID {
		t.Errorf("span context = %+v, want child of %+v", tc, parent)
	}
	if d := span.Finish(); d < 0 {
		t.Errorf("Finish() = %v, want >= 0", d)
	}
}

func TestMiddleware(t *testing.T) {
	var got Context
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(TraceIDKey, "abc")
	req.Header.Set(SpanIDKey, "caller")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got.TraceID != "abc" || got.ParentSpanID != "caller" {
		t.Errorf("handler trace = %+v, want trace abc parent caller", got)
	}
	if rec.Header().Get(TraceIDKey) != "abc" {
		t.Errorf("response %s = %q, want abc", TraceIDKey, rec.Header().Get(TraceIDKey))
	}
}

func TestInjectHeader(t *testing.T) {
	h := http.Header{}
	InjectHeader(context.Background(), h)
	if len(h) != 0 {
		t.Errorf("InjectHeader without trace set %v", h)
	}

	tc := New()
	InjectHeader(WithContext(context.Background(), tc), h)
	if h.Get(TraceIDKey) != tc.TraceID {
		t.Errorf("header %s = %q, want %q", TraceIDKey, h.Get(TraceIDKey), tc.TraceID)
	}
}

func TestExtractFromJSON(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		wantOK bool
	}{
		{"with trace", `{"type":"status","trace_id":"t1"}`, true},
		{"without trace", `{"type":"status"}`, false},
		{"invalid", `{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, ok := ExtractFromJSON([]byte(tt.data))
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tc.TraceID == "" {
				t.Error("TraceID empty")
			}
			if tt.wantOK && tc.TraceID != "t1" {
				t.Errorf("TraceID = %s, want t1", tc.TraceID)
			}
		})
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	md := metadata.Pairs(TraceIDKey, "from-client", SpanIDKey, "client-span")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	var got Context
	_, err := UnaryServerInterceptor()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(ctx context.Context, req any) (any, error) {
			got, _ = FromContext(ctx)
			return nil, nil
		})
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if got.TraceID != "from-client" || got.ParentSpanID != "client-span" {
		t.Errorf("handler trace = %+v, want from-client/client-span", got)
	}
}
