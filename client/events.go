package client

import "time"

// EventType is the closed set of stream event discriminators. Consumers
// switch on it exhaustively; anything else is skipped as parse noise.
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventUserMessageStored EventType = "user_message_stored"
	EventStreamStart       EventType = "stream_start"
	EventToken             EventType = "token"
	EventStreamComplete    EventType = "stream_complete"
	EventError             EventType = "error"
)

// Event is one decoded unit of the incremental response transport.
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id,omitempty"`
	MessageID   uint64    `json:"message_id,omitempty"`
	Content     string    `json:"content,omitempty"`
	FullMessage string    `json:"full_message,omitempty"`
	Model       string    `json:"model,omitempty"`
	TokensUsed  int       `json:"tokens_used,omitempty"`
	IsDuplicate bool      `json:"is_duplicate,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// SendRequest is the wire shape shared by the buffered and streaming send
// paths. ClientID is the idempotency key: a retry must reuse it.
type SendRequest struct {
	Message         string `json:"message"`
	SessionID       string `json:"session_id,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	ActionType      string `json:"action_type,omitempty"`
	SkipUserMessage bool   `json:"skip_user_message,omitempty"`
}

type Usage struct {
	TokensUsed int `json:"tokens_used"`
}

// ServerMessage is a completed exchange as reported by the server.
type ServerMessage struct {
	ID             uint64    `json:"id"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	SessionCreated bool      `json:"session_created"`
	UserMessageID  uint64    `json:"user_message_id"`
	Model          string    `json:"model"`
	Usage          Usage     `json:"usage"`
	IsDuplicate    bool      `json:"is_duplicate"`
}
