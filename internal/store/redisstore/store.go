package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rivulet-ai/rivulet/internal/stream"
)

const branchSelectionTTL = 30 * 24 * time.Hour

// Store wraps the redis client for the three concerns the backend puts in
// redis: live chunk broadcast, per-message completion leases, and each
// user's branch selection (navigation state, not a source of truth).
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// chunkChannel is the pub/sub channel live viewers of a chat subscribe to.
func chunkChannel(chatID string) string {
	return "stream:chat:" + chatID
}

// PublishChunk implements stream.Broadcaster.
func (s *Store) PublishChunk(ctx context.Context, chatID string, ev stream.ChunkEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, chunkChannel(chatID), payload).Err()
}

// SubscribeChunks delivers a chat's live chunk events until ctx ends.
func (s *Store) SubscribeChunks(ctx context.Context, chatID string) (<-chan stream.ChunkEvent, error) {
	pubsub := s.rdb.Subscribe(ctx, chunkChannel(chatID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan stream.ChunkEvent, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev stream.ChunkEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// AcquireLease takes the mutual-exclusion token for one completion pass.
// Returns false when another pass already holds it.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, "lease:"+key, 1, ttl).Result()
}

func (s *Store) ReleaseLease(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, "lease:"+key).Err()
}

// Branch selection — which lineage a given user is currently viewing in a
// chat. Kept per caller session with a TTL; empty branchID selects main line.

func branchKey(userID uint64, chatID string) string {
	return fmt.Sprintf("branch:%d:%s", userID, chatID)
}

func (s *Store) SetBranchSelection(ctx context.Context, userID uint64, chatID, branchID string) error {
	if branchID == "" {
		return s.rdb.Del(ctx, branchKey(userID, chatID)).Err()
	}
	return s.rdb.Set(ctx, branchKey(userID, chatID), branchID, branchSelectionTTL).Err()
}

// GetBranchSelection returns "" when the user is on the main line.
func (s *Store) GetBranchSelection(ctx context.Context, userID uint64, chatID string) (string, error) {
	v, err := s.rdb.Get(ctx, branchKey(userID, chatID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
