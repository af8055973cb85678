package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// redisQueue dials a local Redis and skips the test when none is running.
func redisQueue(t *testing.T) *RedisQueue {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q, err := NewRedisQueue(ctx, DefaultRedisConfig(), zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("Redis unavailable: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:queue:%d", time.Now().UnixNano())
	t.Cleanup(func() { q.Clear(ctx, key) })

	for i := 0; i < 4; i++ {
		n, err := q.Push(ctx, key, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if n != int64(i+1) {
			t.Errorf("Expected length %d, got %d", i+1, n)
		}
	}

	// Shortfall: the Lua guard refuses and consumes nothing.
	items, err := q.PopCount(ctx, key, 5)
	if err != nil {
		t.Fatalf("PopCount failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected refusal on shortfall, got %d items", len(items))
	}
	if n, _ := q.Length(ctx, key); n != 4 {
		t.Errorf("Refused pop must not consume, length is %d", n)
	}

	items, err = q.PopCount(ctx, key, 4)
	if err != nil {
		t.Fatalf("PopCount failed: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("Expected 4 items, got %d", len(items))
	}
	for i, item := range items {
		if item[0] != byte(i) {
			t.Errorf("Item %d out of order: got %d", i, item[0])
		}
	}
}

func TestRedisQueueClear(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:queue:clear:%d", time.Now().UnixNano())

	q.Push(ctx, key, []byte("x"))
	if err := q.Clear(ctx, key); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n, _ := q.Length(ctx, key); n != 0 {
		t.Errorf("Expected empty after clear, length is %d", n)
	}
}
