package message

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/christopherjohns/huddle/internal/channel"
	"github.com/redis/go-redis/v9"
)

// redisKey returns the Redis key for a channel's message list.
func redisKey(key channel.Key) string {
	return "messages:" + key.String()
}

// RedisLog persists messages in Redis using a list per channel.
type RedisLog struct {
	client  redis.Cmdable
	maxSize int64
}

var _ Log = (*RedisLog)(nil)

// NewRedisLog creates a RedisLog that retains up to maxSize messages per channel.
func NewRedisLog(client redis.Cmdable, maxSize int) *RedisLog {
	return &RedisLog{
		client:  client,
		maxSize: int64(maxSize),
	}
}

// Append adds a message to the channel's list in Redis, trimming to maxSize.
func (s *RedisLog) Append(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := redisKey(msg.Channel())
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.maxSize, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	return nil
}

// Recent returns the last n messages for a channel.
func (s *RedisLog) Recent(ctx context.Context, key channel.Key, n int) ([]*Message, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := s.client.LRange(ctx, redisKey(key), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return decodeAll(vals), nil
}

// Before returns up to n messages stored immediately before beforeID.
func (s *RedisLog) Before(ctx context.Context, key channel.Key, beforeID string, n int) ([]*Message, error) {
	if beforeID == "" {
		return nil, nil
	}
	vals, err := s.client.LRange(ctx, redisKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis before: %w", err)
	}
	return before(decodeAll(vals), beforeID, n), nil
}

// Count returns the number of stored messages for a channel.
func (s *RedisLog) Count(ctx context.Context, key channel.Key) (int, error) {
	n, err := s.client.LLen(ctx, redisKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return int(n), nil
}

// decodeAll skips entries that no longer decode.
func decodeAll(vals []string) []*Message {
	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs
}
