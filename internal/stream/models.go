package stream

import "time"

// ResumableStream is the durable record of one completion-in-progress. It
// survives process and connection loss; the live StreamSession does not.
//
// Invariants: Checkpoint only grows (the orchestrator always writes the full
// accumulated text, never a delta); Progress is a heuristic and never the
// completion signal — only IsActive=false with CompletedAt set is terminal;
// IsPaused=true implies IsActive=true.
type ResumableStream struct {
	ID        string `gorm:"primaryKey;size:26" json:"id"` // ULID length
	ChatID    string `gorm:"size:36;index;not null" json:"chat_id"`
	MessageID string `gorm:"size:36;index;not null" json:"message_id"`
	UserID    uint64 `gorm:"index;not null" json:"-"`
	Model     string `gorm:"size:64;not null" json:"model"`

	// Request turns serialized as JSON so a later pass can re-issue the
	// completion from the checkpoint onward.
	MessagesJSON string `gorm:"type:text;not null" json:"-"`

	Checkpoint  string `gorm:"type:text;not null" json:"checkpoint"`
	IsActive    bool   `gorm:"index;not null" json:"is_active"`
	IsPaused    bool   `gorm:"not null" json:"is_paused"`
	Progress    int    `gorm:"not null" json:"progress"`
	TotalTokens int    `gorm:"not null" json:"total_tokens"`

	CreatedAt   time.Time  `json:"created_at"`
	LastResumed time.Time  `json:"last_resumed"`
	LastPaused  *time.Time `json:"last_paused,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (ResumableStream) TableName() string { return "resumable_streams" }

// StreamSession is the ephemeral broadcast marker for connected viewers.
// It carries no resumability contract; the checkpoint lives on
// ResumableStream.
type StreamSession struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	ChatID    string    `gorm:"size:36;index;not null" json:"chat_id"`
	MessageID string    `gorm:"size:36;index;not null" json:"message_id"`
	UserID    uint64    `gorm:"not null" json:"-"`
	IsActive  bool      `gorm:"index;not null" json:"is_active"`
	LastChunk *string   `gorm:"type:text" json:"last_chunk,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (StreamSession) TableName() string { return "stream_sessions" }

// ChunkEvent is what live viewers receive on the chat's broadcast channel.
type ChunkEvent struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Chunk     string `json:"chunk"`
	Done      bool   `json:"done"`
}
