package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/eva-daemon/internal/config"
	"github.com/GriffinCanCode/eva-daemon/internal/health"
	"github.com/GriffinCanCode/eva-daemon/internal/trace"
	"github.com/GriffinCanCode/eva-daemon/internal/wake"
)

type fixedStatus Status

func (f fixedStatus) Status() Status { return Status(f) }

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := New(fixedStatus{Running: true, Capturing: true, Device: "USB Mic", SampleRate: 16000}, config.Defaults(), opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, HelloMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	var hello HelloMessage
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != "hello" || hello.ClientID == "" {
		t.Fatalf("hello = %+v, want hello with client id", hello)
	}
	return conn, hello
}

func readCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware([]string{"localhost", "*.eva.local"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantCode   int
		wantOrigin string
	}{
		{"preflight allowed", "OPTIONS", "http://localhost:3000", http.StatusOK, "http://localhost:3000"},
		{"get allowed", "GET", "http://localhost:3000", http.StatusTeapot, "http://localhost:3000"},
		{"wildcard subdomain", "GET", "https://ui.eva.local", http.StatusTeapot, "https://ui.eva.local"},
		{"foreign origin", "GET", "https://example.com", http.StatusTeapot, ""},
		{"no origin", "GET", "", http.StatusTeapot, ""},
		{"malformed origin", "GET", "::bad", http.StatusTeapot, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/status", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if v := rec.Header().Get("Access-Control-Allow-Origin"); v != tt.wantOrigin {
				t.Errorf("CORS origin = %q, want %q", v, tt.wantOrigin)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get(trace.TraceIDKey) == "" {
		t.Errorf("%s header missing", trace.TraceIDKey)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Running || st.Device != "USB Mic" || st.SampleRate != 16000 || st.Clients != 0 {
		t.Errorf("status = %+v, want running USB Mic at 16000 with no clients", st)
	}
}

func TestHealthAndMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("eva_vad_detections_total 0\n"))
	})
	h := health.New(health.Flag("detector", func() bool { return false }, "detector not running"))
	_, srv := newTestServer(t, WithHealth(h), WithMetrics(nil, metrics))

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestWebSocketStatusRequest(t *testing.T) {
	_, srv := newTestServer(t)
	conn, _ := dial(t, srv)
	ctx := readCtx(t)

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "status", "trace_id": "trace-abc"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg StatusMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "status" || msg.TraceID != "trace-abc" {
		t.Errorf("message = %+v, want status with trace-abc", msg)
	}
	if !msg.Status.Running || msg.Status.Clients != 1 {
		t.Errorf("status = %+v, want running with 1 client", msg.Status)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "status"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.TraceID == "" || msg.TraceID == "trace-abc" {
		t.Errorf("trace id = %q, want a fresh id", msg.TraceID)
	}
}

func TestWebSocketPingAndUnknown(t *testing.T) {
	_, srv := newTestServer(t)
	conn, _ := dial(t, srv)
	ctx := readCtx(t)

	_ = wsjson.Write(ctx, conn, Message{Type: "ping"})
	var pong PongMessage
	if err := wsjson.Read(ctx, conn, &pong); err != nil || pong.Type != "pong" {
		t.Errorf("ping reply = %+v, %v, want pong", pong, err)
	}

	_ = wsjson.Write(ctx, conn, Message{Type: "chat"})
	var e ErrorMessage
	if err := wsjson.Read(ctx, conn, &e); err != nil || e.Type != "error" {
		t.Errorf("unknown reply = %+v, %v, want error", e, err)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	_, srv := newTestServer(t)
	conn, _ := dial(t, srv)
	ctx := readCtx(t)

	for range RateLimitMessages + 1 {
		if err := wsjson.Write(ctx, conn, Message{Type: "ping"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	var last Message
	for i := range RateLimitMessages + 1 {
		if err := wsjson.Read(ctx, conn, &last); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if i < RateLimitMessages && last.Type != "pong" {
			t.Errorf("reply %d = %q, want pong", i, last.Type)
		}
	}
	if last.Type != "error" {
		t.Errorf("reply past limit = %q, want error", last.Type)
	}
}

func TestBroadcast(t *testing.T) {
	s, srv := newTestServer(t)
	a, _ := dial(t, srv)
	b, _ := dial(t, srv)

	if s.Clients() != 2 {
		t.Fatalf("Clients() = %d, want 2", s.Clients())
	}

	n := wake.Notice{ID: "wake-1", Seq: 1, Time: time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC), TraceID: "t-1"}
	s.Broadcast(context.Background(), n)

	for i, conn := range []*websocket.Conn{a, b} {
		var msg WakeMessage
		if err := wsjson.Read(readCtx(t), conn, &msg); err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		if msg.Type != "wake" || msg.ID != "wake-1" || msg.Seq != 1 || msg.TraceID != "t-1" || !msg.Timestamp.Equal(n.Time) {
			t.Errorf("client %d message = %+v, want wake-1", i, msg)
		}
	}
}

func TestDisconnectRemovesClient(t *testing.T) {
	s, srv := newTestServer(t)
	conn, _ := dial(t, srv)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d after disconnect, want 0", s.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	s, srv := newTestServer(t)
	conn, _ := dial(t, srv)

	go s.Close()

	var msg Message
	err := wsjson.Read(readCtx(t), conn, &msg)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after Close = %v, want going away", err)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := &rateLimiter{now: func() time.Time { return now }}

	for i := range RateLimitMessages {
		if !rl.allow() {
			t.Fatalf("allow() %d = false, want true", i)
		}
	}
	if rl.allow() {
		t.Error("allow() past limit = true, want false")
	}

	now = now.Add(RateLimitWindow + time.Millisecond)
	if !rl.allow() {
		t.Error("allow() after window = false, want true")
	}
}

func TestWSOriginPatterns(t *testing.T) {
	got := wsOriginPatterns([]string{"localhost"})
	if len(got) != 2 || got[0] != "localhost" || got[1] != "localhost:*" {
		t.Errorf("wsOriginPatterns = %v, want [localhost localhost:*]", got)
	}
}
