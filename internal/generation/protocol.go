package generation

// Actions understood by the channel.
const (
	ActionRegister = "register"
	ActionDump     = "dump"
	ActionPing     = "ping"
)

// Request is one message from a client. A connection carries any number of
// requests, each answered by exactly one Response.
type Request struct {
	Action string `cbor:"action"`

	// PID is the process the request speaks for. Only register reads it;
	// later requests on the connection use the registered pid.
	PID int `cbor:"pid,omitempty"`

	// Payload is opaque client identity, typically product and version.
	Payload []byte `cbor:"payload,omitempty"`

	// CrashContext is opaque crash detail sent with a dump request.
	CrashContext []byte `cbor:"crash_context,omitempty"`
}

// Response answers one Request.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`

	// DumpPath is set on a dump response. A dump response may carry both
	// OK and Error when diagnostics were handled but the dump writer
	// failed.
	DumpPath string `cbor:"dump_path,omitempty"`
}
