package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"schoolcheckin/internal/models"

	"github.com/redis/go-redis/v9"
)

// DeadLetter receives actions whose retries are exhausted.
type DeadLetter interface {
	Push(ctx context.Context, action models.QueuedAction) error
}

// DeadLetterReader lists dead-lettered actions, most recent first.
type DeadLetterReader interface {
	List(ctx context.Context, n int64) ([]models.QueuedAction, error)
}

// RedisDeadLetter keeps exhausted actions in a capped redis list for diagnostics.
type RedisDeadLetter struct {
	client *redis.Client
	key    string
	limit  int64
}

func NewRedisDeadLetter(client *redis.Client, key string) *RedisDeadLetter {
	if key == "" {
		key = "actions:deadletter"
	}
	return &RedisDeadLetter{client: client, key: key, limit: 1000}
}

func (d *RedisDeadLetter) Push(ctx context.Context, action models.QueuedAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode deadletter %s: %w", action.ID, err)
	}
	pipe := d.client.TxPipeline()
	pipe.LPush(ctx, d.key, data)
	pipe.LTrim(ctx, d.key, 0, d.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push deadletter %s: %w", action.ID, err)
	}
	return nil
}

// List returns up to n of the most recent dead-lettered actions.
func (d *RedisDeadLetter) List(ctx context.Context, n int64) ([]models.QueuedAction, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := d.client.LRange(ctx, d.key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.QueuedAction, 0, len(items))
	for _, raw := range items {
		var a models.QueuedAction
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode deadletter: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
