package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rivulet-ai/rivulet/internal/common"
	"gorm.io/gorm"
)

type Service struct {
	repo         *Repo
	defaultModel string
}

func NewService(repo *Repo, defaultModel string) *Service {
	if defaultModel == "" {
		defaultModel = "openrouter/auto"
	}
	return &Service{repo: repo, defaultModel: defaultModel}
}

func (s *Service) Repo() *Repo { return s.repo }

// ownedChat loads a chat and hides its existence from non-owners.
func (s *Service) ownedChat(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	c, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (s *Service) CreateChat(ctx context.Context, userID uint64, title, model string, systemPrompt *string) (*Chat, error) {
	if title == "" {
		title = "New chat"
	}
	if model == "" {
		model = s.defaultModel
	}
	c := &Chat{
		ID:           common.NewUUID(),
		UserID:       userID,
		Title:        title,
		Model:        model,
		SystemPrompt: systemPrompt,
	}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetChat(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	return s.ownedChat(ctx, userID, chatID)
}

func (s *Service) ListChats(ctx context.Context, userID uint64) ([]Chat, error) {
	return s.repo.ListChats(ctx, userID)
}

// PatchChat updates the mutable chat fields. A true `share` issues a fresh
// share id; false revokes it.
func (s *Service) PatchChat(ctx context.Context, userID uint64, chatID string, title *string, pinned *bool, model *string, systemPrompt *string, share *bool) (*Chat, error) {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}

	fields := map[string]any{"updated_at": time.Now()}
	if title != nil {
		fields["title"] = *title
	}
	if pinned != nil {
		fields["pinned"] = *pinned
	}
	if model != nil {
		fields["model"] = *model
	}
	if systemPrompt != nil {
		fields["system_prompt"] = *systemPrompt
	}
	if share != nil {
		if *share {
			fields["is_shared"] = true
			fields["share_id"] = common.NewUUID()
		} else {
			fields["is_shared"] = false
			fields["share_id"] = nil
		}
	}

	if err := s.repo.PatchChat(ctx, chatID, fields); err != nil {
		return nil, err
	}
	return s.repo.GetChat(ctx, chatID)
}

func (s *Service) DeleteChat(ctx context.Context, userID uint64, chatID string) error {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.repo.DeleteChat(ctx, chatID)
}

// Messages

// ListMessages assembles the visible history for a chat. branchID selects a
// branch lineage; nil means main line.
func (s *Service) ListMessages(ctx context.Context, userID uint64, chatID string, branchID *string) ([]Message, error) {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	if branchID == nil {
		return s.repo.ListMainlineMessages(ctx, chatID)
	}
	b, err := s.repo.GetBranch(ctx, *branchID)
	if err != nil {
		return nil, err
	}
	if b.ChatID != chatID {
		return nil, gorm.ErrRecordNotFound
	}
	return s.repo.ListBranchMessages(ctx, chatID, b)
}

func (s *Service) DeleteMessage(ctx context.Context, userID uint64, messageID string) error {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.ownedChat(ctx, userID, m.ChatID); err != nil {
		return err
	}
	return s.repo.SoftDeleteMessage(ctx, messageID)
}

// Branches

// CreateBranch forks the conversation at fromMessageID. The fork point must
// belong to the chat; nothing is copied.
func (s *Service) CreateBranch(ctx context.Context, userID uint64, chatID, fromMessageID, name string) (*Branch, error) {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	fork, err := s.repo.GetMessage(ctx, fromMessageID)
	if err != nil {
		return nil, err
	}
	if fork.ChatID != chatID {
		return nil, fmt.Errorf("message %s does not belong to chat %s", fromMessageID, chatID)
	}

	if name == "" {
		n, err := s.repo.CountBranches(ctx, chatID)
		if err != nil {
			return nil, err
		}
		name = fmt.Sprintf("Branch %d", n+1)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	b := &Branch{
		ID:            id,
		ChatID:        chatID,
		FromMessageID: fromMessageID,
		Name:          name,
		IsActive:      true,
	}
	if err := s.repo.CreateBranch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) ListBranches(ctx context.Context, userID uint64, chatID string) ([]Branch, error) {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.repo.ListBranches(ctx, chatID)
}
