package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Chat struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	UserID       uint64    `gorm:"index;not null" json:"-"`
	Title        string    `gorm:"size:255;not null" json:"title"`
	Model        string    `gorm:"size:64;not null" json:"model"`
	SystemPrompt *string   `gorm:"type:text" json:"system_prompt,omitempty"`
	IsShared     bool      `gorm:"not null;default:false" json:"is_shared"`
	ShareID      *string   `gorm:"size:36;index" json:"share_id,omitempty"`
	Pinned       bool      `gorm:"not null;default:false" json:"pinned"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// Message is an append-only log entry. Identity is immutable; Content is
// mutated incrementally while a completion streams into it, and IsActive
// implements soft delete (rows are never removed while the chat exists).
type Message struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	ChatID    string    `gorm:"size:36;index:idx_chat_msg_chat_created,priority:1;not null" json:"chat_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	ParentID  *string   `gorm:"size:36;index" json:"parent_id,omitempty"`
	Model     *string   `gorm:"size:64" json:"model,omitempty"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	BranchID  *string   `gorm:"size:26;index" json:"branch_id,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_chat_msg_chat_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// Branch marks a copy-on-write fork point. FromMessageID never moves after
// creation; prior messages are not copied.
type Branch struct {
	ID            string    `gorm:"primaryKey;size:26" json:"id"`
	ChatID        string    `gorm:"size:36;index;not null" json:"chat_id"`
	FromMessageID string    `gorm:"size:36;not null" json:"from_message_id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	IsActive      bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Branch) TableName() string { return "chat_branches" }
