// Package messaging publishes settlement execution updates over NATS.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"vaultsettle/internal/config"
	"vaultsettle/internal/settlement"
)

// Publisher wraps a NATS connection. A nil Publisher drops messages.
type Publisher struct {
	conn       *nats.Conn
	subject    string
	logger     *zap.Logger
	reconnects atomic.Int64
}

func NewPublisher(cfg config.NATSConfig, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = "settlement.executed"
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "settlementd"
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	p := &Publisher{subject: subject, logger: logger}
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.reconnects.Add(1)
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.conn = conn
	return p, nil
}

func (p *Publisher) Subject() string {
	if p == nil {
		return ""
	}
	return p.subject
}

// Publish sends data as JSON to subject.
func (p *Publisher) Publish(_ context.Context, subject string, data any) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return p.conn.Publish(subject, payload)
}

func (p *Publisher) PublishExecution(ctx context.Context, update settlement.ExecutionUpdate) error {
	if p == nil {
		return nil
	}
	return p.Publish(ctx, p.subject, update)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warn("nats flush failed", zap.Error(err))
	}
	p.conn.Close()
}

var _ settlement.UpdatePublisher = (*Publisher)(nil)
