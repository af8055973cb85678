package accumulator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/social-graph-engine/internal/queue"
)

func testConfig(batchSize int) Config {
	cfg := DefaultConfig()
	cfg.Org = "acme"
	cfg.Campaign = "launch"
	cfg.BatchSize = batchSize
	cfg.SweepInterval = 0 // sweeps driven manually in tests
	return cfg
}

func makeEvent(id, channelID int64) Event {
	return Event{
		ID:        id,
		ChannelID: channelID,
		UserID:    id%5 + 1,
		Text:      fmt.Sprintf("message %d", id),
		Timestamp: time.Date(2025, 6, 1, 12, 0, int(id), 0, time.UTC),
	}
}

func TestSubmitEmitsExactBatches(t *testing.T) {
	acc := New(testConfig(5), queue.NewMemoryQueue(), zaptest.NewLogger(t))
	ctx := context.Background()

	// 12 events at batch size 5 yield two batches and leave two queued.
	for i := int64(1); i <= 12; i++ {
		if err := acc.Submit(ctx, makeEvent(i, 7)); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	for b := 0; b < 2; b++ {
		select {
		case batch := <-acc.Ready():
			if len(batch.Payloads) != 5 {
				t.Errorf("Batch %d has %d payloads, expected 5", b, len(batch.Payloads))
			}
			if batch.ChannelID != 7 {
				t.Errorf("Batch %d channel is %d, expected 7", b, batch.ChannelID)
			}
			if batch.Org != "acme" || batch.Campaign != "launch" {
				t.Errorf("Batch %d scope is %s/%s", b, batch.Org, batch.Campaign)
			}
			want := int64(b*5 + 1)
			for i, p := range batch.Payloads {
				if p.ID != want+int64(i) {
					t.Errorf("Batch %d payload %d has id %d, expected %d", b, i, p.ID, want+int64(i))
				}
			}
		default:
			t.Fatalf("Expected batch %d to be ready", b)
		}
	}

	select {
	case <-acc.Ready():
		t.Error("Unexpected third batch")
	default:
	}

	status, err := acc.GetQueueStatus(ctx, 7)
	if err != nil {
		t.Fatalf("GetQueueStatus failed: %v", err)
	}
	if status.Count != 2 {
		t.Errorf("Expected 2 residual events, got %d", status.Count)
	}
	if status.Ready {
		t.Error("Residual queue must not report ready")
	}
}

func TestSubmitPartitionsByChannel(t *testing.T) {
	acc := New(testConfig(3), queue.NewMemoryQueue(), zaptest.NewLogger(t))
	ctx := context.Background()

	// Interleave two channels; each crosses the threshold independently.
	for i := int64(1); i <= 3; i++ {
		if err := acc.Submit(ctx, makeEvent(i, 1)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if err := acc.Submit(ctx, makeEvent(i+100, 2)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case batch := <-acc.Ready():
			seen[batch.ChannelID] = true
		default:
			t.Fatal("Expected two batches")
		}
	}
	if !seen[1] || !seen[2] {
		t.Errorf("Expected one batch per channel, got %v", seen)
	}
}

func TestSubmitRejectsInvalidEvents(t *testing.T) {
	acc := New(testConfig(5), queue.NewMemoryQueue(), zaptest.NewLogger(t))
	ctx := context.Background()

	base := makeEvent(1, 1)
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing id", func(e *Event) { e.ID = 0 }},
		{"missing channel", func(e *Event) { e.ChannelID = 0 }},
		{"missing sender", func(e *Event) { e.UserID = 0 }},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }},
		{"empty text", func(e *Event) { e.Text = "   " }},
	}
	for _, tc := range cases {
		ev := base
		tc.mutate(&ev)
		err := acc.Submit(ctx, ev)
		var invalid *InvalidEventError
		if !errors.As(err, &invalid) {
			t.Errorf("%s: expected InvalidEventError, got %v", tc.name, err)
		}
	}

	if status, _ := acc.GetQueueStatus(ctx, 1); status.Count != 0 {
		t.Errorf("Rejected events must not be queued, count is %d", status.Count)
	}
}

func TestPayloadNormalization(t *testing.T) {
	acc := New(testConfig(1), queue.NewMemoryQueue(), zaptest.NewLogger(t))

	replyTo := int64(9)
	ev := makeEvent(42, 3)
	ev.ReplyToID = &replyTo
	if err := acc.Submit(context.Background(), ev); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	batch := <-acc.Ready()
	p := batch.Payloads[0]
	if p.Timestamp != ev.Timestamp.UnixMilli() {
		t.Errorf("Timestamp not normalized to millis: %d", p.Timestamp)
	}
	if !p.Time().Equal(ev.Timestamp) {
		t.Errorf("Round-tripped time mismatch: %v vs %v", p.Time(), ev.Timestamp)
	}
	if p.ReplyToID == nil || *p.ReplyToID != replyTo {
		t.Error("Reply target lost in normalization")
	}
}

// shortPopQueue simulates a non-atomic backing store that returns fewer
// items than requested on the first pop.
type shortPopQueue struct {
	*queue.MemoryQueue
	shorted bool
}

func (q *shortPopQueue) PopCount(ctx context.Context, key string, n int) ([][]byte, error) {
	if !q.shorted {
		q.shorted = true
		items, err := q.MemoryQueue.PopCount(ctx, key, n-1)
		if err != nil {
			return nil, err
		}
		if items == nil {
			// MemoryQueue refused the short pop; force one for the test.
			items, err = q.MemoryQueue.PopCount(ctx, key, 1)
			if err != nil {
				return nil, err
			}
		}
		return items, nil
	}
	return q.MemoryQueue.PopCount(ctx, key, n)
}

func TestShortPopCompensation(t *testing.T) {
	q := &shortPopQueue{MemoryQueue: queue.NewMemoryQueue()}
	acc := New(testConfig(3), q, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := acc.Submit(ctx, makeEvent(i, 1)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	// The first pop was short, so no batch may be emitted and every event
	// must still be queued.
	select {
	case <-acc.Ready():
		t.Fatal("Short pop must not produce a batch")
	default:
	}
	status, err := acc.GetQueueStatus(ctx, 1)
	if err != nil {
		t.Fatalf("GetQueueStatus failed: %v", err)
	}
	if status.Count != 3 {
		t.Fatalf("Expected all 3 events retained, got %d", status.Count)
	}

	// The next submission crosses the threshold again and the atomic
	// retry succeeds with the re-pushed events at the tail.
	if err := acc.Submit(ctx, makeEvent(4, 1)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	batch := <-acc.Ready()
	if len(batch.Payloads) != 3 {
		t.Fatalf("Expected a 3-event batch, got %d", len(batch.Payloads))
	}
}

func TestSweepEmitsThresholdBatches(t *testing.T) {
	q := queue.NewMemoryQueue()
	cfg := testConfig(2)
	acc := New(cfg, q, zaptest.NewLogger(t))
	ctx := context.Background()

	// Seed the partition behind the accumulator's back, as a restart
	// would: the queue holds a full batch the accumulator never counted.
	if err := acc.Submit(ctx, makeEvent(1, 5)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	data, _ := q.PopCount(ctx, "org:acme:campaign:launch:channel:5:events", 1)
	for i := 0; i < 2; i++ {
		q.Push(ctx, "org:acme:campaign:launch:channel:5:events", data[0])
	}

	acc.sweep()

	select {
	case batch := <-acc.Ready():
		if len(batch.Payloads) != 2 {
			t.Errorf("Expected a 2-event batch, got %d", len(batch.Payloads))
		}
	default:
		t.Fatal("Sweep did not emit the ready batch")
	}
}

func TestClearQueueDiscardsEvents(t *testing.T) {
	acc := New(testConfig(10), queue.NewMemoryQueue(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		if err := acc.Submit(ctx, makeEvent(i, 2)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if err := acc.ClearQueue(ctx, 2); err != nil {
		t.Fatalf("ClearQueue failed: %v", err)
	}
	status, _ := acc.GetQueueStatus(ctx, 2)
	if status.Count != 0 {
		t.Errorf("Expected cleared queue, count is %d", status.Count)
	}
}
