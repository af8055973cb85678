// Package queue implements the partition queue protocol: a durable,
// append-ordered list per channel with push-to-tail and all-or-none
// pop-from-head. Redis lists are the production backing store; an
// in-memory implementation backs tests and single-process deployments.
package queue

import "context"

// PartitionQueue is the protocol the batch accumulator builds on.
//
// Push appends to the partition's tail and returns the new length.
// PopCount removes and returns items from the head. Implementations
// should satisfy the pop atomically and return no items when fewer than n
// are available; an implementation that cannot guarantee atomicity may
// return a short slice, in which case the caller must re-push every
// returned item to the tail in its original relative order before
// retrying.
type PartitionQueue interface {
	Push(ctx context.Context, key string, payload []byte) (int64, error)
	PopCount(ctx context.Context, key string, n int) ([][]byte, error)
	Length(ctx context.Context, key string) (int64, error)
	Clear(ctx context.Context, key string) error
}
