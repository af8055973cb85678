// Package source feeds chat events into the accumulator, either by
// replaying a chat export file or by subscribing to a NATS stream.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/social-graph-engine/internal/accumulator"
	"github.com/social-graph-engine/internal/jsonx"
)

// exportText handles exports where a message's text is either a plain
// string or an array of strings and formatting objects.
type exportText string

func (t *exportText) UnmarshalJSON(data []byte) error {
	var s string
	if err := jsonx.Unmarshal(data, &s); err == nil {
		*t = exportText(s)
		return nil
	}

	var parts []any
	if err := jsonx.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("text is neither string nor array")
	}
	var b strings.Builder
	for _, part := range parts {
		switch v := part.(type) {
		case string:
			b.WriteString(v)
		case map[string]any:
			if inner, ok := v["text"].(string); ok {
				b.WriteString(inner)
			}
		}
	}
	*t = exportText(b.String())
	return nil
}

// ExportMessage is one message in a chat export file.
type ExportMessage struct {
	ID        int64      `json:"id"`
	Type      string     `json:"type"`
	Date      string     `json:"date"`
	FromID    string     `json:"from_id"`
	Text      exportText `json:"text"`
	ReplyToID *int64     `json:"reply_to_message_id,omitempty"`
}

// Export is the root of a chat export file.
type Export struct {
	Name     string          `json:"name"`
	ID       int64           `json:"id"`
	Messages []ExportMessage `json:"messages"`
}

// senderID extracts a numeric user ID from an export's from_id field.
// Exports prefix IDs with "user"; anything else hashes to a stable
// synthetic ID so replays stay deterministic.
func senderID(fromID string) int64 {
	if trimmed := strings.TrimPrefix(fromID, "user"); trimmed != fromID {
		if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return id
		}
	}
	var sum int64
	for _, c := range fromID {
		sum += int64(c)
	}
	if sum == 0 {
		return 1
	}
	return sum
}

// ReplayConfig tunes the replayer.
type ReplayConfig struct {
	Path      string        // export file
	ChannelID int64         // overrides the export's own ID when set
	Interval  time.Duration // pacing between events
}

// DefaultReplayConfig returns production defaults.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{Interval: 50 * time.Millisecond}
}

// ReplayStatus is a point-in-time snapshot of replay progress.
type ReplayStatus struct {
	Running   bool  `json:"running"`
	Paused    bool  `json:"paused"`
	Total     int   `json:"total"`
	Submitted int   `json:"submitted"`
	Rejected  int   `json:"rejected"`
	ChannelID int64 `json:"channel_id"`
}

// Replayer paces a chat export into the accumulator one event per tick.
type Replayer struct {
	cfg    ReplayConfig
	acc    *accumulator.Accumulator
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	paused    bool
	total     int
	submitted int
	rejected  int
	channelID int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReplayer creates a replayer over the given accumulator.
func NewReplayer(cfg ReplayConfig, acc *accumulator.Accumulator, logger *zap.Logger) *Replayer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReplayConfig().Interval
	}
	return &Replayer{cfg: cfg, acc: acc, logger: logger.Named("replay")}
}

// Start loads the export and begins replaying in the background.
func (r *Replayer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("replay already running")
	}

	export, err := LoadExport(r.cfg.Path)
	if err != nil {
		return err
	}
	channelID := r.cfg.ChannelID
	if channelID == 0 {
		channelID = export.ID
	}
	if channelID == 0 {
		channelID = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.paused = false
	r.total = len(export.Messages)
	r.submitted = 0
	r.rejected = 0
	r.channelID = channelID

	r.logger.Info("Replay started",
		zap.String("path", r.cfg.Path),
		zap.Int64("channel_id", channelID),
		zap.Int("messages", len(export.Messages)))

	go r.run(runCtx, export.Messages, channelID)
	return nil
}

// LoadExport reads and parses a chat export file.
func LoadExport(path string) (*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	var export Export
	if err := jsonx.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	return &export, nil
}

func (r *Replayer) run(ctx context.Context, msgs []ExportMessage, channelID int64) {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for _, msg := range msgs {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		paused := r.paused
		r.mu.Unlock()
		if paused {
			// Poll until resumed; pause granularity is one tick.
			for paused {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				r.mu.Lock()
				paused = r.paused
				r.mu.Unlock()
			}
		}

		if msg.Type != "" && msg.Type != "message" {
			continue
		}

		ev := accumulator.Event{
			ID:        msg.ID,
			ChannelID: channelID,
			UserID:    senderID(msg.FromID),
			Text:      string(msg.Text),
			ReplyToID: msg.ReplyToID,
			Timestamp: parseExportDate(msg.Date),
		}
		if err := r.acc.Submit(ctx, ev); err != nil {
			r.mu.Lock()
			r.rejected++
			r.mu.Unlock()
			var invalid *accumulator.InvalidEventError
			if !errors.As(err, &invalid) {
				r.logger.Warn("Submit failed", zap.Int64("event_id", msg.ID), zap.Error(err))
			}
			continue
		}
		r.mu.Lock()
		r.submitted++
		r.mu.Unlock()
	}

	r.logger.Info("Replay finished", zap.Int64("channel_id", channelID))
}

func parseExportDate(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// Pause suspends submission at the next tick boundary.
func (r *Replayer) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume continues a paused replay.
func (r *Replayer) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Stop cancels the replay and waits for the worker to exit.
func (r *Replayer) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status reports replay progress.
func (r *Replayer) Status() ReplayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReplayStatus{
		Running:   r.running,
		Paused:    r.paused,
		Total:     r.total,
		Submitted: r.submitted,
		Rejected:  r.rejected,
		ChannelID: r.channelID,
	}
}
