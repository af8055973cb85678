// Package cache provides a two-tier classification cache:
// L1 is an in-memory Ristretto cache, L2 is Redis (optional, shared
// across instances). The topic stage uses it to skip re-classifying
// texts it has already seen.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// L1Cache is the two-tier cache. L2 may be nil, leaving L1 only.
type L1Cache struct {
	l1        *ristretto.Cache[string, []byte]
	l2        *redis.Client
	ttl       time.Duration
	logger    *zap.Logger
	metrics   Metrics
	metricsMu sync.Mutex
}

// Metrics tracks cache performance.
type Metrics struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
}

// NewL1Cache creates a new two-tier cache.
// maxCost: maximum cost of items in L1 (default 10,000).
// ttl: time-to-live for entries (default 5 minutes).
func NewL1Cache(maxCost int64, ttl time.Duration, redisClient *redis.Client, logger *zap.Logger) (*L1Cache, error) {
	if maxCost == 0 {
		maxCost = 10000
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &L1Cache{
		l1:     cache,
		l2:     redisClient,
		ttl:    ttl,
		logger: logger.Named("l1cache"),
	}, nil
}

// Get retrieves a value from L1, falling back to L2 if configured.
func (c *L1Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, found := c.l1.Get(key); found {
		c.record(func(m *Metrics) { m.L1Hits++ })
		return val, true
	}
	c.record(func(m *Metrics) { m.L1Misses++ })

	if c.l2 != nil {
		data, err := c.l2.Get(ctx, key).Bytes()
		if err == nil && len(data) > 0 {
			c.record(func(m *Metrics) { m.L2Hits++ })
			c.l1.SetWithTTL(key, data, int64(len(data)), c.ttl)
			return data, true
		}
		c.record(func(m *Metrics) { m.L2Misses++ })
	}

	return nil, false
}

// Set stores a value in L1 and, asynchronously, in L2.
func (c *L1Cache) Set(ctx context.Context, key string, data []byte) {
	c.l1.SetWithTTL(key, data, int64(len(data)), c.ttl)

	if c.l2 != nil {
		go func() {
			if err := c.l2.Set(context.WithoutCancel(ctx), key, data, c.ttl).Err(); err != nil {
				c.logger.Warn("Failed to set L2 cache",
					zap.String("key", key),
					zap.Error(err))
			}
		}()
	}
}

// Wait blocks until buffered L1 writes are visible to Get.
func (c *L1Cache) Wait() {
	c.l1.Wait()
}

// Delete removes a value from both tiers.
func (c *L1Cache) Delete(ctx context.Context, key string) error {
	c.l1.Del(key)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("L2 delete failed: %w", err)
		}
	}
	return nil
}

// Snapshot returns the current hit/miss counters.
func (c *L1Cache) Snapshot() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

// Close releases the L1 cache resources. The L2 client is owned by the
// caller.
func (c *L1Cache) Close() {
	c.l1.Close()
}

func (c *L1Cache) record(fn func(*Metrics)) {
	c.metricsMu.Lock()
	fn(&c.metrics)
	c.metricsMu.Unlock()
}
