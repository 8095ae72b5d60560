package stream

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

func (r *Repo) CreateStream(ctx context.Context, s *ResumableStream) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetStream(ctx context.Context, id string) (*ResumableStream, error) {
	var s ResumableStream
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateStreamIf applies fields only to rows matching cond and reports how
// many rows matched. Transition guards are built on top of this.
func (r *Repo) UpdateStreamIf(ctx context.Context, id string, cond string, condArgs []any, fields map[string]any) (int64, error) {
	q := r.db.WithContext(ctx).Model(&ResumableStream{}).Where("id = ?", id)
	if cond != "" {
		q = q.Where(cond, condArgs...)
	}
	res := q.Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *Repo) ListActiveStreams(ctx context.Context, chatID string) ([]ResumableStream, error) {
	var out []ResumableStream
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND is_active = ?", chatID, true).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (r *Repo) CreateSession(ctx context.Context, s *StreamSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, id string) (*StreamSession, error) {
	var s StreamSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) UpdateSession(ctx context.Context, id string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&StreamSession{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// GetActiveSession returns the newest active session for a chat so a
// reconnecting client picks up the correct in-flight render target.
func (r *Repo) GetActiveSession(ctx context.Context, chatID string) (*StreamSession, error) {
	var s StreamSession
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND is_active = ?", chatID, true).
		Order("created_at DESC, id DESC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteByChat removes stream and session rows when their chat is deleted.
func (r *Repo) DeleteByChat(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&ResumableStream{}).Error; err != nil {
			return err
		}
		return tx.Where("chat_id = ?", chatID).Delete(&StreamSession{}).Error
	})
}
