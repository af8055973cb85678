package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/social-graph-engine/internal/accumulator"
	"github.com/social-graph-engine/internal/jsonx"
)

const (
	streamName     = "CHAT_EVENTS"
	streamSubjects = "events.>"
	nakDelay       = 10 * time.Second
)

// NATSConfig tunes the NATS event source.
type NATSConfig struct {
	Address string
	Subject string
}

// DefaultNATSConfig returns production defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Address: nats.DefaultURL,
		Subject: streamSubjects,
	}
}

// NATSSource subscribes to a JetStream event stream and feeds every
// decoded event into the accumulator.
type NATSSource struct {
	cfg    NATSConfig
	acc    *accumulator.Accumulator
	logger *zap.Logger

	ctx  context.Context
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSSource creates a source; Start establishes the connection.
func NewNATSSource(cfg NATSConfig, acc *accumulator.Accumulator, logger *zap.Logger) *NATSSource {
	if cfg.Address == "" {
		cfg.Address = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = streamSubjects
	}
	return &NATSSource{cfg: cfg, acc: acc, logger: logger.Named("nats")}
}

// Start connects, ensures the stream exists and begins consuming. The
// context cancels in-flight submissions when the process shuts down.
func (s *NATSSource) Start(ctx context.Context) error {
	s.ctx = ctx
	conn, err := nats.Connect(s.cfg.Address,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	s.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{streamSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		s.logger.Warn("Stream create failed", zap.Error(err))
	}

	sub, err := js.Subscribe(s.cfg.Subject, s.handle, nats.ManualAck())
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	s.sub = sub

	s.logger.Info("Consuming events",
		zap.String("address", s.cfg.Address),
		zap.String("subject", s.cfg.Subject))
	return nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in event handler", zap.Any("panic", r))
		}
	}()

	var ev accumulator.Event
	if err := jsonx.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("Undecodable event dropped",
			zap.String("subject", msg.Subject), zap.Error(err))
		msg.Ack()
		return
	}

	if err := s.acc.Submit(s.ctx, ev); err != nil {
		var invalid *accumulator.InvalidEventError
		if errors.As(err, &invalid) {
			// Malformed event; retrying cannot fix it.
			s.logger.Debug("Invalid event dropped",
				zap.Int64("event_id", ev.ID), zap.Error(err))
			msg.Ack()
			return
		}
		s.logger.Error("Submit failed, will retry",
			zap.Int64("event_id", ev.ID), zap.Error(err))
		msg.NakWithDelay(nakDelay)
		return
	}
	msg.Ack()
}

// Stop drains the subscription and closes the connection.
func (s *NATSSource) Stop() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Warn("Drain failed", zap.Error(err))
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
