// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection inbound message limit
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Bound on a single websocket write, including wake broadcasts
	WriteTimeout = 2 * time.Second

	// Maximum inbound message size in bytes
	ReadLimit = 4 << 10
)
