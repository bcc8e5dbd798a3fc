package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"batch-engine/internal/domain"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string // subjects are <prefix>.<product>.<type>
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATSPublisher publishes each event as JSON on its own subject.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "batch"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event is published on.
func Subject(prefix string, e *domain.Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, strings.ToLower(e.Product), strings.ToLower(string(e.Type)))
}

// Publish sends every event and flushes.
func (p *NATSPublisher) Publish(_ context.Context, events ...*domain.Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		if err := p.conn.Publish(Subject(p.prefix, e), payload); err != nil {
			return fmt.Errorf("publish event %s: %w", e.ID, err)
		}
	}
	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

var _ Publisher = (*NATSPublisher)(nil)
