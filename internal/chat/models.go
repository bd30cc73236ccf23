package chat

import (
	"time"

	"github.com/pocketllm/chatsync/internal/common"
)

// ActionType controls context assembly and whether a send creates a new
// user turn.
type ActionType string

const (
	ActionGeneralChat   ActionType = "general_chat"
	ActionFileUpload    ActionType = "file_upload"
	ActionDocumentQuery ActionType = "document_query"
	ActionRegenerate    ActionType = "regenerate_response"
)

type Session struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID     string     `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID        uint64     `gorm:"index;not null" json:"-"`
	Title         string     `gorm:"type:varchar(255);not null" json:"title"`
	MessageCount  int        `gorm:"not null;default:0" json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at"`
	IsActive      bool       `gorm:"not null;default:true;index" json:"is_active"`
	Provider      string     `gorm:"type:varchar(32);not null" json:"provider"`
	Model         string     `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string     `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2" json:"session_id"`
	UserID     uint64     `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1" json:"-"`
	Role       string     `gorm:"type:varchar(16);index;not null" json:"role"`
	ActionType ActionType `gorm:"type:varchar(32);index;not null;default:general_chat" json:"action_type"`
	Content    string     `gorm:"type:text;not null" json:"content"`
	// ClientID is the client-supplied idempotency key. The unique index is
	// the only thing preventing a retry race from producing two rows.
	ClientID    *string   `gorm:"type:varchar(64);uniqueIndex" json:"client_id,omitempty"`
	Metadata    string    `gorm:"type:text" json:"metadata,omitempty"`
	RawResponse *string   `gorm:"type:text" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// MessageMeta is the JSON shape persisted in Message.Metadata.
type MessageMeta struct {
	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	Source     string `json:"source,omitempty"`
}

func NewSessionID() (string, error) { return common.NewULID() }
