package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process PartitionQueue with the same all-or-none
// pop semantics as the Redis implementation. It backs tests and
// single-process deployments without a Redis server; it is not durable.
type MemoryQueue struct {
	mu         sync.Mutex
	partitions map[string][][]byte
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{partitions: make(map[string][][]byte)}
}

// Push appends to the partition tail and returns the new length.
func (q *MemoryQueue) Push(_ context.Context, key string, payload []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.partitions[key] = append(q.partitions[key], cp)
	return int64(len(q.partitions[key])), nil
}

// PopCount removes and returns exactly n items from the head, or none
// when fewer than n are queued.
func (q *MemoryQueue) PopCount(_ context.Context, key string, n int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.partitions[key]
	if len(items) < n {
		return nil, nil
	}
	popped := items[:n]
	q.partitions[key] = items[n:]
	return popped, nil
}

// Length reports the number of queued items in the partition.
func (q *MemoryQueue) Length(_ context.Context, key string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.partitions[key])), nil
}

// Clear deletes the partition entirely.
func (q *MemoryQueue) Clear(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.partitions, key)
	return nil
}
