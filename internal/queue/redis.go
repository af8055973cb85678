package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// popScript pops exactly n items from the head of the list, or nothing.
// Running the length check and the pop in one script closes the window in
// which a second consumer could leave us with a partial batch.
var popScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[1]) then
  return redis.call('LPOP', KEYS[1], tonumber(ARGV[1]))
end
return {}
`)

// RedisQueue is the production PartitionQueue over Redis lists.
type RedisQueue struct {
	client *redis.Client
	logger *zap.Logger
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379"}
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Redis partition queue connected", zap.String("addr", cfg.Addr))
	return &RedisQueue{client: client, logger: logger.Named("queue")}, nil
}

// NewRedisQueueFromClient wraps an existing client, used when the caller
// shares one connection pool across components.
func NewRedisQueueFromClient(client *redis.Client, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{client: client, logger: logger.Named("queue")}
}

// Push appends to the partition tail and returns the new length.
func (q *RedisQueue) Push(ctx context.Context, key string, payload []byte) (int64, error) {
	length, err := q.client.RPush(ctx, key, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to push to partition %s: %w", key, err)
	}
	return length, nil
}

// PopCount atomically removes and returns exactly n items from the head,
// or none when fewer than n are queued.
func (q *RedisQueue) PopCount(ctx context.Context, key string, n int) ([][]byte, error) {
	res, err := popScript.Run(ctx, q.client, []string{key}, n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop %d from partition %s: %w", n, key, err)
	}

	items, ok := res.([]interface{})
	if !ok || len(items) == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected item type %T in partition %s", item, key)
		}
		out = append(out, []byte(str))
	}
	return out, nil
}

// Length reports the number of queued items in the partition.
func (q *RedisQueue) Length(ctx context.Context, key string) (int64, error) {
	length, err := q.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of partition %s: %w", key, err)
	}
	return length, nil
}

// Clear deletes the partition list entirely.
func (q *RedisQueue) Clear(ctx context.Context, key string) error {
	if err := q.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear partition %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
