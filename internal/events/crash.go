package events

import "time"

// Event type constants for crash server lifecycle events.
const (
	TypeServerStarted    = "server_started"
	TypeClientRegistered = "client_registered"
	TypeClientRejected   = "client_rejected"
	TypeClientConnected  = "client_connected"
	TypeDumpRequested    = "dump_requested"
	TypeDumpCompleted    = "dump_completed"
	TypeDumpRejected     = "dump_rejected"
	TypeClientExited     = "client_exited"
	TypeServerStopped    = "server_stopped"
)

// AllTypes lists every lifecycle event type.
var AllTypes = []string{
	TypeServerStarted,
	TypeClientRegistered,
	TypeClientRejected,
	TypeClientConnected,
	TypeDumpRequested,
	TypeDumpCompleted,
	TypeDumpRejected,
	TypeClientExited,
	TypeServerStopped,
}

// ServerStartedEvent is emitted when the server starts listening.
type ServerStartedEvent struct {
	BaseEvent
	Channel string `json:"channel"`
}

// NewServerStartedEvent creates a new server started event.
func NewServerStartedEvent(channel string) ServerStartedEvent {
	return ServerStartedEvent{
		BaseEvent: NewBaseEvent(TypeServerStarted, 0),
		Channel:   channel,
	}
}

// ClientRegisteredEvent is emitted when a client pid is registered directly.
type ClientRegisteredEvent struct {
	BaseEvent
}

// NewClientRegisteredEvent creates a new client registered event.
func NewClientRegisteredEvent(pid int) ClientRegisteredEvent {
	return ClientRegisteredEvent{BaseEvent: NewBaseEvent(TypeClientRegistered, pid)}
}

// ClientConnectedEvent is emitted when a client attaches over the channel.
type ClientConnectedEvent struct {
	BaseEvent
	Payload string `json:"payload,omitempty"`
}

// NewClientConnectedEvent creates a new client connected event.
func NewClientConnectedEvent(pid int, payload []byte) ClientConnectedEvent {
	return ClientConnectedEvent{
		BaseEvent: NewBaseEvent(TypeClientConnected, pid),
		Payload:   string(payload),
	}
}

// DumpRequestedEvent is emitted when a client signals a crash.
type DumpRequestedEvent struct {
	BaseEvent
	DumpPath string `json:"dump_path"`
}

// NewDumpRequestedEvent creates a new dump requested event.
func NewDumpRequestedEvent(pid int, dumpPath string) DumpRequestedEvent {
	return DumpRequestedEvent{
		BaseEvent: NewBaseEvent(TypeDumpRequested, pid),
		DumpPath:  dumpPath,
	}
}

// DumpCompletedEvent is emitted once diagnostics for a dump were handled.
type DumpCompletedEvent struct {
	BaseEvent
	DumpPath   string        `json:"dump_path"`
	ReportPath string        `json:"report_path,omitempty"`
	Duration   time.Duration `json:"duration"`
	Complete   bool          `json:"complete"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// NewDumpCompletedEvent creates a new dump completed event.
func NewDumpCompletedEvent(pid int, dumpPath, reportPath string, duration time.Duration, complete bool, warnings []string) DumpCompletedEvent {
	return DumpCompletedEvent{
		BaseEvent:  NewBaseEvent(TypeDumpCompleted, pid),
		DumpPath:   dumpPath,
		ReportPath: reportPath,
		Duration:   duration,
		Complete:   complete,
		Warnings:   warnings,
	}
}

// ClientRejectedEvent is emitted when a pid handed to SetClient cannot be
// bound, typically because the process already exited.
type ClientRejectedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// NewClientRejectedEvent creates a new client rejected event.
func NewClientRejectedEvent(pid int, reason string) ClientRejectedEvent {
	return ClientRejectedEvent{
		BaseEvent: NewBaseEvent(TypeClientRejected, pid),
		Reason:    reason,
	}
}

// DumpRejectedEvent is emitted when a dump request is refused.
type DumpRejectedEvent struct {
	BaseEvent
	DumpPath string `json:"dump_path,omitempty"`
	Reason   string `json:"reason"`
}

// NewDumpRejectedEvent creates a new dump rejected event.
func NewDumpRejectedEvent(pid int, dumpPath, reason string) DumpRejectedEvent {
	return DumpRejectedEvent{
		BaseEvent: NewBaseEvent(TypeDumpRejected, pid),
		DumpPath:  dumpPath,
		Reason:    reason,
	}
}

// ClientExitedEvent is emitted when the client's process terminates.
type ClientExitedEvent struct {
	BaseEvent
	Dumped bool `json:"dumped"`
}

// NewClientExitedEvent creates a new client exited event.
func NewClientExitedEvent(pid int, dumped bool) ClientExitedEvent {
	return ClientExitedEvent{
		BaseEvent: NewBaseEvent(TypeClientExited, pid),
		Dumped:    dumped,
	}
}

// ServerStoppedEvent is emitted when the server has released its resources.
type ServerStoppedEvent struct {
	BaseEvent
	Dumps int `json:"dumps"`
}

// NewServerStoppedEvent creates a new server stopped event.
func NewServerStoppedEvent(dumps int) ServerStoppedEvent {
	return ServerStoppedEvent{
		BaseEvent: NewBaseEvent(TypeServerStopped, 0),
		Dumps:     dumps,
	}
}
