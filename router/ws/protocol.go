package ws

// Message types from client to server.
const (
	TypeHello     = "hello"
	TypeRun       = "run"
	TypeCancelRun = "cancel_run"
)

// Message types from server to client. Run events are forwarded as
// core.Event and carry their own types.
const (
	TypeHelloAck    = "hello_ack"
	TypeRunAccepted = "run_accepted"
	TypeCancelAck   = "cancel_ack"
	TypeError       = "error"
)

// Error codes carried by error messages.
const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeHelloRequired    = "hello_required"
	ErrorCodeAlreadyBound     = "already_bound"
	ErrorCodeInvalidContext   = "invalid_context"
	ErrorCodeUnknownAgentType = "unknown_agent_type"
	ErrorCodeDuplicateRun     = "duplicate_run"
	ErrorCodeUnknownRun       = "unknown_run"
	ErrorCodeInternal         = "internal_error"
)

// BaseMessage contains the fields shared by every control message.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// HelloMessage binds the connection to a user. It must precede any run.
type HelloMessage struct {
	BaseMessage
	UserID string `json:"user_id"`
}

// HelloAckMessage confirms the binding.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// RunMessage submits a run for the bound user. RunID is optional; the server
// generates one when it is empty.
type RunMessage struct {
	BaseMessage
	AgentType string         `json:"agent_type"`
	ThreadID  string         `json:"thread_id"`
	Input     string         `json:"input"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunAcceptedMessage acknowledges a run before its run_started event.
type RunAcceptedMessage struct {
	BaseMessage
}

// CancelRunMessage asks the server to cancel an active run of the
// connection's user.
type CancelRunMessage struct {
	BaseMessage
}

// CancelAckMessage confirms that cancellation of an active run was
// requested.
type CancelAckMessage struct {
	BaseMessage
	Cancelled bool `json:"cancelled"`
}

// ErrorMessage reports a rejected control message or submission.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}
