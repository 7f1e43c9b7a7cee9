package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisTimeout bounds every Redis round trip.
const redisTimeout = 2 * time.Second

// redisIndexKey maps message ids to their room.
const redisIndexKey = "messages:index"

// redisKey returns the Redis key for a room's message list.
func redisKey(roomID string) string {
	return "room:" + roomID + ":messages"
}

// RedisStore persists history in Redis: a JSON list per room, trimmed to
// maxSize, and a hash from message id to room for lookups.
type RedisStore struct {
	client  redis.Cmdable
	maxSize int64
	logger  *zap.Logger
}

// NewRedisStore creates a RedisStore that retains up to maxSize messages per room.
func NewRedisStore(client redis.Cmdable, maxSize int, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &RedisStore{
		client:  client,
		maxSize: int64(maxSize),
		logger:  logger,
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, redisTimeout)
}

func (s *RedisStore) decode(vals []string) []*Message {
	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			s.logger.Warn("redis: skipping undecodable message", zap.Error(err))
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs
}

// Append pushes msg onto its room's list and indexes it. Messages trimmed
// off the front of the list are removed from the index.
func (s *RedisStore) Append(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return ErrMissingID
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal message %s: %w", msg.ID, err)
	}

	added, err := s.client.HSetNX(ctx, redisIndexKey, msg.ID, msg.RoomID).Result()
	if err != nil {
		return fmt.Errorf("redis: index message %s: %w", msg.ID, err)
	}
	if !added {
		return nil
	}

	key := redisKey(msg.RoomID)
	n, err := s.client.RPush(ctx, key, data).Result()
	if err != nil {
		return fmt.Errorf("redis: append to %s: %w", msg.RoomID, err)
	}
	if n <= s.maxSize {
		return nil
	}

	var evicted *redis.StringSliceCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		evicted = pipe.LRange(ctx, key, 0, n-s.maxSize-1)
		pipe.LTrim(ctx, key, -s.maxSize, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: trim %s: %w", msg.RoomID, err)
	}
	old := s.decode(evicted.Val())
	if len(old) == 0 {
		return nil
	}
	ids := make([]string, len(old))
	for i, m := range old {
		ids[i] = m.ID
	}
	if err := s.client.HDel(ctx, redisIndexKey, ids...).Err(); err != nil {
		s.logger.Warn("redis: failed to unindex trimmed messages", zap.String("room", msg.RoomID), zap.Error(err))
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, roomID string) ([]*Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	vals, err := s.client.LRange(ctx, redisKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", roomID, err)
	}
	return s.decode(vals), nil
}

// Page returns the part of roomID's history selected by q.
func (s *RedisStore) Page(ctx context.Context, roomID string, q PageQuery) (HistoryPage, error) {
	msgs, err := s.load(ctx, roomID)
	if err != nil {
		return HistoryPage{}, err
	}
	return paginate(msgs, q), nil
}

// Get looks up the message with id through the index.
func (s *RedisStore) Get(ctx context.Context, id string) (*Message, error) {
	tctx, cancel := withTimeout(ctx)
	roomID, err := s.client.HGet(tctx, redisIndexKey, id).Result()
	cancel()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: lookup %s: %w", id, err)
	}

	msgs, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if i := indexOf(msgs, id); i >= 0 {
		return msgs[i], nil
	}
	return nil, ErrNotFound
}

// Len returns the number of retained messages in roomID.
func (s *RedisStore) Len(ctx context.Context, roomID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	n, err := s.client.LLen(ctx, redisKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count %s: %w", roomID, err)
	}
	return int(n), nil
}

var (
	_ History = (*Store)(nil)
	_ History = (*RedisStore)(nil)
)
