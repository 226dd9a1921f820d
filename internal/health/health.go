// Package health serves liveness and readiness probes for the daemon.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] and answers 503 when any of them fails.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Flag builds a Checker from a boolean probe. When ok reports false the
// check fails with reason.
func Flag(name string, ok func() bool, reason string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ok() {
			return errors.New(reason)
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

// New returns a Handler over checkers, run in order.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Ready runs every checker and reports whether all passed along with the
// per-check outcome.
func (h *Handler) Ready(ctx context.Context) (bool, map[string]string) {
	checks := make(map[string]string, len(h.checkers))
	ready := true
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		checks[c.Name] = "ok"
	}
	return ready, checks
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz reports 200 when every checker passes, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ready, checks := h.Ready(r.Context())
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "fail", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, result{Status: "ok", Checks: checks})
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
