package chat

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Chats

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListChats(ctx context.Context, userID uint64) ([]Chat, error) {
	var out []Chat
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("pinned DESC, updated_at DESC").
		Find(&out).Error
	return out, err
}

func (r *Repo) PatchChat(ctx context.Context, id string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Chat{}).Where("id = ?", id).Updates(fields).Error
}

// DeleteChat removes the chat row and its owned messages and branches.
// Stream and session rows are owned by the stream package; the caller
// cascades those through its repo before calling this.
func (r *Repo) DeleteChat(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&Branch{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Chat{}, "id = ?", id).Error
	})
}

// Messages

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SoftDeleteMessage flips is_active; the row stays retrievable by id.
func (r *Repo) SoftDeleteMessage(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// ListMainlineMessages returns active main-line messages oldest first.
// Creation-time ties break on id so the order is deterministic.
func (r *Repo) ListMainlineMessages(ctx context.Context, chatID string) ([]Message, error) {
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND is_active = ? AND branch_id IS NULL", chatID, true).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	return msgs, err
}

// ListBranchMessages splices a branch's visible history: active main-line
// messages strictly before the fork point plus the fork point itself exactly
// once, then active messages tagged with the branch, in creation order.
func (r *Repo) ListBranchMessages(ctx context.Context, chatID string, b *Branch) ([]Message, error) {
	fork, err := r.GetMessage(ctx, b.FromMessageID)
	if err != nil {
		return nil, err
	}

	var base []Message
	err = r.db.WithContext(ctx).
		Where("chat_id = ? AND is_active = ? AND branch_id IS NULL", chatID, true).
		Where("created_at < ? OR id = ?", fork.CreatedAt, fork.ID).
		Order("created_at ASC, id ASC").
		Find(&base).Error
	if err != nil {
		return nil, err
	}

	var tagged []Message
	err = r.db.WithContext(ctx).
		Where("chat_id = ? AND is_active = ? AND branch_id = ?", chatID, true, b.ID).
		Order("created_at ASC, id ASC").
		Find(&tagged).Error
	if err != nil {
		return nil, err
	}

	return append(base, tagged...), nil
}

// Message content accessors used by the streaming session's chunk
// application (read-modify-write) and the orchestrator's final overwrite.

func (r *Repo) MessageContent(ctx context.Context, id string) (string, error) {
	m, err := r.GetMessage(ctx, id)
	if err != nil {
		return "", err
	}
	return m.Content, nil
}

func (r *Repo) SetMessageContent(ctx context.Context, id, content string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Update("content", content).Error
}

// Branches

func (r *Repo) CreateBranch(ctx context.Context, b *Branch) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *Repo) GetBranch(ctx context.Context, id string) (*Branch, error) {
	var b Branch
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repo) ListBranches(ctx context.Context, chatID string) ([]Branch, error) {
	var out []Branch
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND is_active = ?", chatID, true).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *Repo) CountBranches(ctx context.Context, chatID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Branch{}).
		Where("chat_id = ?", chatID).
		Count(&n).Error
	return n, err
}
