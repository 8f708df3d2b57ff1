package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	pkgerrors "github.com/pkg/errors"
)

const DefaultRedisKey = "dpc:job_queue"

var (
	_ Queue    = &RedisQueue{}
	_ Searcher = &RedisQueue{}
)

// RedisQueue keeps ids in a Redis list. RPUSH and LPOP are atomic, so a
// popped id is seen by exactly one engine.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{rdb: rdb, key: key}
}

// NewRedisQueueFromURL parses a redis:// URL and connects lazily.
func NewRedisQueueFromURL(url, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "invalid redis url")
	}
	return NewRedisQueue(redis.NewClient(opts), key), nil
}

func (q *RedisQueue) Add(ctx context.Context, jobID uuid.UUID) error {
	if err := q.rdb.RPush(ctx, q.key, jobID.String()).Err(); err != nil {
		return fmt.Errorf("failed to push job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Poll(ctx context.Context) (uuid.UUID, bool, error) {
	raw, err := q.rdb.LPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	} else if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to pop from %s: %w", q.key, err)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		// The entry is already removed; nothing can ever claim it.
		return uuid.Nil, false, fmt.Errorf("discarded malformed queue entry %q: %w", raw, err)
	}
	return id, true, nil
}

func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Contains(ctx context.Context, jobID uuid.UUID) (bool, error) {
	_, err := q.rdb.LPos(ctx, q.key, jobID.String(), redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) Type() string {
	return fmt.Sprintf("Redis list %s", q.key)
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
