package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:"

// RedisBackend keeps presence sets in Redis so several server instances
// share one view of who is online.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a backend on top of an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func presenceKey(userID string) string {
	return keyPrefix + userID
}

// Add inserts connID and reports whether the set went from empty to one.
func (b *RedisBackend) Add(ctx context.Context, userID, connID string) (bool, error) {
	key := presenceKey(userID)
	pipe := b.client.TxPipeline()
	added := pipe.SAdd(ctx, key, connID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence add %s: %w", userID, err)
	}
	return added.Val() == 1 && card.Val() == 1, nil
}

// Remove deletes connID and reports whether the set became empty.
func (b *RedisBackend) Remove(ctx context.Context, userID, connID string) (bool, error) {
	key := presenceKey(userID)
	pipe := b.client.TxPipeline()
	removed := pipe.SRem(ctx, key, connID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence remove %s: %w", userID, err)
	}
	return removed.Val() == 1 && card.Val() == 0, nil
}

// Count returns the size of the user's presence set.
func (b *RedisBackend) Count(ctx context.Context, userID string) (int, error) {
	n, err := b.client.SCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count %s: %w", userID, err)
	}
	return int(n), nil
}

// Conns returns the members of the user's presence set, sorted.
func (b *RedisBackend) Conns(ctx context.Context, userID string) ([]string, error) {
	ids, err := b.client.SMembers(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence conns %s: %w", userID, err)
	}
	sort.Strings(ids)
	return ids, nil
}
