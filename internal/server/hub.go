package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/GriffinCanCode/eva-daemon/internal/trace"
	"github.com/GriffinCanCode/eva-daemon/internal/wake"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

type HelloMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

type WakeMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

type StatusMessage struct {
	Type    string `json:"type"`
	TraceID string `json:"trace_id,omitempty"`
	Status  Status `json:"status"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rateLimiter
}

func (c *client) send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int { return s.clients.Len() }

// Broadcast sends a wake notice to every connected client. It is a
// wake.Handler and returns once every write finished or timed out.
func (s *Server) Broadcast(ctx context.Context, n wake.Notice) {
	msg := WakeMessage{Type: "wake", ID: n.ID, Seq: n.Seq, Timestamp: n.Time, TraceID: n.TraceID}
	log := trace.Logger(ctx)

	var wg sync.WaitGroup
	for _, c := range s.clients.Snapshot() {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.send(ctx, msg); err != nil {
				log.Debug("wake broadcast failed", "client", c.id, "error", err)
			}
		}(c)
	}
	wg.Wait()
}

// Close disconnects every client.
func (s *Server) Close() {
	for _, c := range s.clients.Drain() {
		_ = c.conn.Close(websocket.StatusGoingAway, "daemon shutting down")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: wsOriginPatterns(s.origins),
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	conn.SetReadLimit(ReadLimit)

	c := &client{id: uuid.NewString(), conn: conn, limiter: &rateLimiter{}}
	s.clients.Add(c.id, c)
	s.clientDelta(r.Context(), 1)

	defer func() {
		if s.clients.Remove(c.id) {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		s.clientDelta(context.Background(), -1)
	}()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx).With("client", c.id)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	if err := c.send(baseCtx, HelloMessage{Type: "hello", ClientID: c.id}); err != nil {
		log.Debug("websocket hello failed", "error", err)
		return
	}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &raw); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !c.limiter.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = c.send(baseCtx, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(raw, &base); err != nil {
			_ = c.send(baseCtx, ErrorMessage{Type: "error", Message: "malformed message"})
			continue
		}

		switch base.Type {
		case "status":
			tc, ok := trace.ExtractFromJSON(raw)
			if !ok {
				tc = trace.NewChild(traceOf(baseCtx))
			}
			ctx := trace.WithContext(baseCtx, tc)
			trace.Logger(ctx).Debug("status requested", "client", c.id)
			_ = c.send(ctx, StatusMessage{Type: "status", TraceID: tc.TraceID, Status: s.snapshot()})
		case "ping":
			_ = c.send(baseCtx, PongMessage{Type: "pong"})
		default:
			_ = c.send(baseCtx, ErrorMessage{Type: "error", Message: "unknown message type: " + base.Type})
		}
	}
}

func traceOf(ctx context.Context) trace.Context {
	tc, _ := trace.FromContext(ctx)
	return tc
}

func (s *Server) clientDelta(ctx context.Context, n int64) {
	if s.metrics != nil {
		s.metrics.WSClients.Add(ctx, n)
	}
}
