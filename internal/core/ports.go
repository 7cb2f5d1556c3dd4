package core

import (
	"context"
	"fmt"
)

// ClientInfo identifies a supervised client across the backend boundary.
// Payload is opaque to the core; it carries whatever the client sent at
// registration (typically a product name and version).
type ClientInfo struct {
	PID     int    `json:"pid"`
	Payload []byte `json:"payload,omitempty"`
}

// String returns a short form for logs.
func (c ClientInfo) String() string {
	return fmt.Sprintf("client(pid=%d)", c.PID)
}

// Handler receives the backend's notifications. All three methods are
// invoked on the backend's dispatch goroutine, one at a time, in the order
// connect, at most one dump request, exit for any given client.
type Handler interface {
	OnClientConnect(ctx context.Context, info ClientInfo)
	OnClientDumpRequest(ctx context.Context, info ClientInfo, dumpPath string) error
	OnClientExit(ctx context.Context, info ClientInfo)
}

// Backend is the generation backend: the IPC listener plus dump writer.
type Backend interface {
	// Start binds address and begins delivering notifications to h.
	// On error nothing is left listening.
	Start(address string, h Handler) error

	// Stop closes the listener and blocks until the dispatch goroutine
	// has exited. No Handler method runs after Stop returns.
	Stop()
}

// ProcessWatcher is implemented by backends that can deliver
// OnClientExit for a pid registered out of band, that is by SetClient
// rather than over the channel.
type ProcessWatcher interface {
	WatchClient(info ClientInfo) error
}
