package stream

import (
	"context"
	"log"
	"time"

	"github.com/rivulet-ai/rivulet/internal/common"
)

// MessageStore is the slice of the message repo the session layer needs:
// read the target message's current content and write it back whole.
type MessageStore interface {
	MessageContent(ctx context.Context, messageID string) (string, error)
	SetMessageContent(ctx context.Context, messageID, content string) error
}

// Broadcaster fans a chunk event out to connected viewers of a chat.
// Broadcast failures never fail the stream; the durable checkpoint is the
// source of truth and late joiners recover from it.
type Broadcaster interface {
	PublishChunk(ctx context.Context, chatID string, ev ChunkEvent) error
}

// Sessions manages the ephemeral live-render sessions. It is the only
// component that mutates message content incrementally; everything else
// writes whole values.
type Sessions struct {
	repo *Repo
	msgs MessageStore
	bc   Broadcaster
}

func NewSessions(repo *Repo, msgs MessageStore, bc Broadcaster) *Sessions {
	return &Sessions{repo: repo, msgs: msgs, bc: bc}
}

func (s *Sessions) Create(ctx context.Context, chatID, messageID string, userID uint64) (*StreamSession, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	sess := &StreamSession{
		ID:        id,
		ChatID:    chatID,
		MessageID: messageID,
		UserID:    userID,
		IsActive:  true,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ApplyChunk appends chunk to the target message (read-modify-write, whole
// value back) and records it as the session's last chunk. With isComplete
// the session goes inactive and the final chunk — possibly empty — is kept
// for late joiners.
func (s *Sessions) ApplyChunk(ctx context.Context, sessionID, chunk string, isComplete bool) error {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if isComplete {
		if err := s.repo.UpdateSession(ctx, sessionID, map[string]any{
			"is_active":  false,
			"last_chunk": chunk,
		}); err != nil {
			return err
		}
		s.publish(ctx, sess, chunk, true)
		return nil
	}

	cur, err := s.msgs.MessageContent(ctx, sess.MessageID)
	if err != nil {
		return err
	}
	if err := s.msgs.SetMessageContent(ctx, sess.MessageID, cur+chunk); err != nil {
		return err
	}
	if err := s.repo.UpdateSession(ctx, sessionID, map[string]any{
		"last_chunk": chunk,
	}); err != nil {
		return err
	}
	s.publish(ctx, sess, chunk, false)
	return nil
}

func (s *Sessions) GetActive(ctx context.Context, chatID string) (*StreamSession, error) {
	return s.repo.GetActiveSession(ctx, chatID)
}

func (s *Sessions) publish(ctx context.Context, sess *StreamSession, chunk string, done bool) {
	if s.bc == nil {
		return
	}
	ev := ChunkEvent{
		SessionID: sess.ID,
		MessageID: sess.MessageID,
		Chunk:     chunk,
		Done:      done,
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.bc.PublishChunk(pctx, sess.ChatID, ev); err != nil {
		log.Printf("[stream] broadcast failed session=%s chat=%s err=%v", sess.ID, sess.ChatID, err)
	}
}
