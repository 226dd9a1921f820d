// Package orchestrator owns the wake pipeline lifecycle
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Upper bound on waiting for the dispatcher to drain during Stop
	DrainTimeout = 5 * time.Second
)
