// Package accumulator turns the unbounded event stream into discrete,
// exactly-sized batches. Accumulation state lives entirely in the backing
// partition queue, so the accumulator itself is stateless between calls
// and restart-safe.
package accumulator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/social-graph-engine/internal/jsonx"
	"github.com/social-graph-engine/internal/queue"
)

// Event is the raw ingest unit. Immutable once created.
type Event struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channel_id"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	ReplyToID *int64    `json:"reply_to_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the normalized queue form of an Event: stable identity,
// integer timestamp, sender, text, optional reply target.
type Payload struct {
	ID        int64  `json:"id"`
	ChannelID int64  `json:"channel_id"`
	UserID    int64  `json:"user_id"`
	Text      string `json:"text"`
	ReplyToID *int64 `json:"reply_to_id,omitempty"`
	Timestamp int64  `json:"ts"` // unix milliseconds
}

// Time returns the payload timestamp as a time.Time.
func (p Payload) Time() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// Batch is the Batch-Ready signal: an exactly-sized, order-preserved
// group of payloads for one channel, plus the partition metadata.
type Batch struct {
	ChannelID int64     `json:"channel_id"`
	Org       string    `json:"org"`
	Campaign  string    `json:"campaign"`
	Payloads  []Payload `json:"payloads"`
	ReadyAt   time.Time `json:"ready_at"`
}

// QueueStatus reports a channel's accumulation progress.
type QueueStatus struct {
	ChannelID int64   `json:"channel_id"`
	Count     int64   `json:"count"`
	BatchSize int     `json:"batch_size"`
	Progress  float64 `json:"progress"`
	Ready     bool    `json:"ready"`
}

// InvalidEventError rejects a malformed ingest event before it reaches
// the queue. Never retried automatically.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event: %s", e.Reason)
}

// Config holds the accumulator settings. Org and Campaign scope the
// partition keys; one accumulator serves one campaign.
type Config struct {
	Org           string
	Campaign      string
	BatchSize     int
	SweepInterval time.Duration
	ReadyBuffer   int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Org:           "default",
		Campaign:      "default",
		BatchSize:     50,
		SweepInterval: 5 * time.Second,
		ReadyBuffer:   16,
	}
}

// Accumulator owns one partition queue client and emits Batch-Ready
// signals on a channel. At most batchSize-1 events stay queued per
// partition after every emission.
type Accumulator struct {
	cfg    Config
	queue  queue.PartitionQueue
	logger *zap.Logger

	ready chan Batch

	// popMu serializes the pop-and-compensate window within this process.
	popMu sync.Mutex

	// channels remembers which channel ids this instance has seen, so the
	// sweep can retry partitions that crossed the threshold between
	// submissions. Best effort only; the queue remains authoritative.
	channelsMu sync.Mutex
	channels   map[int64]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an accumulator over the given partition queue.
func New(cfg Config, q queue.PartitionQueue, logger *zap.Logger) *Accumulator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.ReadyBuffer <= 0 {
		cfg.ReadyBuffer = DefaultConfig().ReadyBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Accumulator{
		cfg:      cfg,
		queue:    q,
		logger:   logger.Named("accumulator"),
		ready:    make(chan Batch, cfg.ReadyBuffer),
		channels: make(map[int64]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ready is the Batch-Ready signal channel consumed by the orchestrator.
func (a *Accumulator) Ready() <-chan Batch {
	return a.ready
}

// Start begins the periodic sweep that retries channels left at or above
// the threshold by a shortfall or a restart.
func (a *Accumulator) Start() {
	if a.cfg.SweepInterval <= 0 {
		return
	}
	a.wg.Add(1)
	go a.sweepLoop()
	a.logger.Info("Accumulator started",
		zap.Int("batch_size", a.cfg.BatchSize),
		zap.Duration("sweep_interval", a.cfg.SweepInterval))
}

// Stop halts the sweep loop.
func (a *Accumulator) Stop() {
	a.cancel()
	a.wg.Wait()
}

// Submit validates and normalizes one event, appends it to its partition
// and emits a Batch-Ready signal when the threshold is met.
func (a *Accumulator) Submit(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}

	payload := normalize(ev)
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	key := a.partitionKey(ev.ChannelID)
	length, err := a.queue.Push(ctx, key, data)
	if err != nil {
		return err
	}
	a.rememberChannel(ev.ChannelID)

	a.logger.Debug("Event accumulated",
		zap.Int64("event_id", ev.ID),
		zap.Int64("channel_id", ev.ChannelID),
		zap.Int64("count", length))

	if length >= int64(a.cfg.BatchSize) {
		return a.tryEmit(ctx, ev.ChannelID)
	}
	return nil
}

// GetQueueStatus reports how far a channel is from its next batch.
func (a *Accumulator) GetQueueStatus(ctx context.Context, channelID int64) (QueueStatus, error) {
	length, err := a.queue.Length(ctx, a.partitionKey(channelID))
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		ChannelID: channelID,
		Count:     length,
		BatchSize: a.cfg.BatchSize,
		Progress:  float64(length) / float64(a.cfg.BatchSize) * 100,
		Ready:     length >= int64(a.cfg.BatchSize),
	}, nil
}

// ClearQueue discards a channel's queued events. Operator-invoked; not
// part of the steady-state data path.
func (a *Accumulator) ClearQueue(ctx context.Context, channelID int64) error {
	return a.queue.Clear(ctx, a.partitionKey(channelID))
}

// tryEmit pops one batch from the channel's partition. A short pop (a
// store without atomic pop-or-none racing another consumer) is recovered
// by re-pushing every popped item to the tail in its original order; the
// batch is then left for a later submit or sweep.
func (a *Accumulator) tryEmit(ctx context.Context, channelID int64) error {
	a.popMu.Lock()
	defer a.popMu.Unlock()

	key := a.partitionKey(channelID)
	items, err := a.queue.PopCount(ctx, key, a.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) < a.cfg.BatchSize {
		return a.compensate(ctx, key, channelID, items)
	}

	payloads := make([]Payload, len(items))
	for i, item := range items {
		if err := jsonx.Unmarshal(item, &payloads[i]); err != nil {
			// The partition holds opaque bytes we wrote ourselves; a
			// decode failure means the partition was corrupted externally.
			return fmt.Errorf("failed to decode payload %d in partition %s: %w", i, key, err)
		}
	}

	batch := Batch{
		ChannelID: channelID,
		Org:       a.cfg.Org,
		Campaign:  a.cfg.Campaign,
		Payloads:  payloads,
		ReadyAt:   time.Now(),
	}

	select {
	case a.ready <- batch:
	case <-ctx.Done():
		// Hand the events back to the queue rather than dropping them.
		return a.compensate(ctx, key, channelID, items)
	}

	a.logger.Info("Batch ready",
		zap.Int64("channel_id", channelID),
		zap.Int("size", len(payloads)))
	return nil
}

// compensate pushes partially-popped items back onto the tail in their
// original relative order, so no event is lost.
func (a *Accumulator) compensate(ctx context.Context, key string, channelID int64, items [][]byte) error {
	for _, item := range items {
		if _, err := a.queue.Push(context.WithoutCancel(ctx), key, item); err != nil {
			return fmt.Errorf("failed to re-push during shortfall recovery on channel %d: %w", channelID, err)
		}
	}
	a.logger.Warn("Pop shortfall recovered",
		zap.Int64("channel_id", channelID),
		zap.Int("re_pushed", len(items)))
	return nil
}

func (a *Accumulator) sweepLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Accumulator) sweep() {
	a.channelsMu.Lock()
	ids := make([]int64, 0, len(a.channels))
	for id := range a.channels {
		ids = append(ids, id)
	}
	a.channelsMu.Unlock()

	for _, id := range ids {
		status, err := a.GetQueueStatus(a.ctx, id)
		if err != nil {
			a.logger.Warn("Sweep failed to read queue status",
				zap.Int64("channel_id", id), zap.Error(err))
			continue
		}
		if status.Ready {
			if err := a.tryEmit(a.ctx, id); err != nil {
				a.logger.Warn("Sweep failed to emit batch",
					zap.Int64("channel_id", id), zap.Error(err))
			}
		}
	}
}

func (a *Accumulator) rememberChannel(channelID int64) {
	a.channelsMu.Lock()
	a.channels[channelID] = struct{}{}
	a.channelsMu.Unlock()
}

func (a *Accumulator) partitionKey(channelID int64) string {
	return fmt.Sprintf("org:%s:campaign:%s:channel:%d:events", a.cfg.Org, a.cfg.Campaign, channelID)
}

func validate(ev Event) error {
	switch {
	case ev.ID <= 0:
		return &InvalidEventError{Reason: "missing event id"}
	case ev.ChannelID <= 0:
		return &InvalidEventError{Reason: "missing channel id"}
	case ev.UserID <= 0:
		return &InvalidEventError{Reason: "missing sender id"}
	case ev.Timestamp.IsZero():
		return &InvalidEventError{Reason: "missing or malformed timestamp"}
	case strings.TrimSpace(ev.Text) == "":
		return &InvalidEventError{Reason: "empty text"}
	}
	return nil
}

func normalize(ev Event) Payload {
	return Payload{
		ID:        ev.ID,
		ChannelID: ev.ChannelID,
		UserID:    ev.UserID,
		Text:      ev.Text,
		ReplyToID: ev.ReplyToID,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
}
