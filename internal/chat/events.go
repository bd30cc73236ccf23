package chat

// StreamEventType enumerates the wire events of a streaming send. The set is
// closed; consumers switch exhaustively and treat anything else as noise.
type StreamEventType string

const (
	EventSessionCreated    StreamEventType = "session_created"
	EventUserMessageStored StreamEventType = "user_message_stored"
	EventStreamStart       StreamEventType = "stream_start"
	EventToken             StreamEventType = "token"
	EventStreamComplete    StreamEventType = "stream_complete"
	EventError             StreamEventType = "error"
)

type StreamEvent struct {
	Type        StreamEventType `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	MessageID   uint64          `json:"message_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	FullMessage string          `json:"full_message,omitempty"`
	Model       string          `json:"model,omitempty"`
	TokensUsed  int             `json:"tokens_used,omitempty"`
	IsDuplicate bool            `json:"is_duplicate,omitempty"`
	Message     string          `json:"message,omitempty"`
}
