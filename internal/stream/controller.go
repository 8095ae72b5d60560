package stream

import (
	"context"
	"errors"
	"time"

	"github.com/rivulet-ai/rivulet/internal/common"
	"gorm.io/gorm"
)

// ErrStreamTerminated is returned when a mutation hits a stream that has
// already reached its terminal state. The orchestrator relies on seeing it
// from UpdateProgress to notice a client-issued stop mid-pull.
var ErrStreamTerminated = errors.New("stream already terminated")

// Controller owns the durable record of a completion in progress.
//
// State machine: created -> (active, unpaused) <-> paused -> terminated.
// Terminal is IsActive=false; success and failure share it, failure being
// distinguished only by the owning message carrying an error string.
// All transitions are guarded SQL updates, so repeating one is a no-op and
// nothing mutates a terminated record.
type Controller struct {
	repo *Repo
}

func NewController(repo *Repo) *Controller {
	return &Controller{repo: repo}
}

func (c *Controller) Create(ctx context.Context, chatID, messageID string, userID uint64, model, messagesJSON string) (*ResumableStream, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	s := &ResumableStream{
		ID:           id,
		ChatID:       chatID,
		MessageID:    messageID,
		UserID:       userID,
		Model:        model,
		MessagesJSON: messagesJSON,
		Checkpoint:   "",
		IsActive:     true,
		IsPaused:     false,
		Progress:     0,
		TotalTokens:  0,
		LastResumed:  time.Now(),
	}
	if err := c.repo.CreateStream(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateProgress overwrites checkpoint, progress and token count. The caller
// guarantees checkpoint monotonicity by always sending the full accumulated
// text; the controller does not diff or validate growth.
func (c *Controller) UpdateProgress(ctx context.Context, id string, progress int, checkpoint string, tokens int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	now := time.Now()
	n, err := c.repo.UpdateStreamIf(ctx, id,
		"is_active = ?", []any{true},
		map[string]any{
			"checkpoint":   checkpoint,
			"progress":     progress,
			"total_tokens": tokens,
			"last_updated": now,
		})
	if err != nil {
		return err
	}
	if n == 0 {
		return c.explainNoMatch(ctx, id)
	}
	return nil
}

// Pause flags an active stream. Double-pause is idempotent: the guard
// matches zero rows and the first pause's timestamp stands.
func (c *Controller) Pause(ctx context.Context, id string) error {
	n, err := c.repo.UpdateStreamIf(ctx, id,
		"is_active = ? AND is_paused = ?", []any{true, false},
		map[string]any{
			"is_paused":   true,
			"last_paused": time.Now(),
		})
	if err != nil {
		return err
	}
	if n == 0 {
		return c.explainNoMatch(ctx, id)
	}
	return nil
}

// Resume clears the pause flag. It does not re-attach the upstream provider
// connection — that is gone — it only unblocks a new orchestrator pass.
func (c *Controller) Resume(ctx context.Context, id string) error {
	n, err := c.repo.UpdateStreamIf(ctx, id,
		"is_active = ? AND is_paused = ?", []any{true, true},
		map[string]any{
			"is_paused":    false,
			"last_resumed": time.Now(),
		})
	if err != nil {
		return err
	}
	if n == 0 {
		return c.explainNoMatch(ctx, id)
	}
	return nil
}

// Complete is the single terminal transition, used for success, failure and
// client-issued stop alike. Checkpoint and progress keep their final values.
func (c *Controller) Complete(ctx context.Context, id string) error {
	n, err := c.repo.UpdateStreamIf(ctx, id,
		"is_active = ?", []any{true},
		map[string]any{
			"is_active":    false,
			"is_paused":    false,
			"completed_at": time.Now(),
		})
	if err != nil {
		return err
	}
	if n == 0 {
		// already terminal: idempotent
		_, err := c.repo.GetStream(ctx, id)
		return err
	}
	return nil
}

func (c *Controller) Get(ctx context.Context, id string) (*ResumableStream, error) {
	return c.repo.GetStream(ctx, id)
}

func (c *Controller) ListActive(ctx context.Context, chatID string) ([]ResumableStream, error) {
	return c.repo.ListActiveStreams(ctx, chatID)
}

// explainNoMatch distinguishes the reasons a guarded update matched no
// rows: missing record, terminated record, or an idempotent repeat of a
// pause/resume (still active, already in the requested state) which is nil.
func (c *Controller) explainNoMatch(ctx context.Context, id string) error {
	s, err := c.repo.GetStream(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return gorm.ErrRecordNotFound
		}
		return err
	}
	if !s.IsActive {
		return ErrStreamTerminated
	}
	return nil
}
