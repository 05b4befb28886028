// Package consumer ingests audit events published to the broker by AMQPSink.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/ingest"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/storage"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL      string   `envconfig:"AMQP_URL"`
	Exchange string   `envconfig:"AUDIT_EXCHANGE" default:"audit.events"`
	Queue    string   `envconfig:"AUDIT_QUEUE" default:"audit-service.events"`
	Bindings []string `envconfig:"AUDIT_BINDINGS" default:"#"`
	Prefetch int      `envconfig:"AUDIT_PREFETCH" default:"32"`
}

// Recorder stores one decoded event.
type Recorder interface {
	Record(ctx context.Context, evt audit.Event) (storage.Record, error)
}

type Consumer struct {
	cfg    Config
	rec    Recorder
	logger *slog.Logger
}

func New(cfg Config, rec Recorder, logger *slog.Logger) *Consumer {
	if cfg.Exchange == "" {
		cfg.Exchange = audit.DefaultExchange
	}
	if len(cfg.Bindings) == 0 {
		cfg.Bindings = []string{"#"}
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	return &Consumer{cfg: cfg, rec: rec, logger: logger}
}

// Run consumes until ctx is done, redialing the broker with backoff whenever
// the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := c.consume(ctx)
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("audit consumer disconnected", "err", err)
			return struct{}{}, err
		},
			backoff.WithBackOff(&backoff.ExponentialBackOff{
				InitialInterval:     500 * time.Millisecond,
				RandomizationFactor: 0.2,
				Multiplier:          2,
				MaxInterval:         30 * time.Second,
			}),
			backoff.WithMaxElapsedTime(0),
		)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// consume handles deliveries on one connection and returns when it closes.
func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range c.cfg.Bindings {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("audit consumer started", "exchange", c.cfg.Exchange, "queue", q.Name, "bindings", c.cfg.Bindings)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, d.Body, d.RoutingKey, d.AppId, d)
		}
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// process stores one message. Malformed messages are dropped; storage
// failures are requeued.
func (c *Consumer) process(ctx context.Context, body []byte, routingKey, appID string, ack acknowledger) {
	evt, err := ingest.Decode(body)
	if err == nil {
		if evt.Event == "" {
			evt.Event = routingKey
		}
		if evt.Service == "" {
			evt.Service = appID
		}
		_, err = c.rec.Record(ctx, evt)
	}
	switch {
	case err == nil:
		_ = ack.Ack(false)
	case apperr.Is(err, apperr.KindValidation):
		c.logger.Warn("audit message dropped", "routing_key", routingKey, "err", err)
		_ = ack.Nack(false, false)
	default:
		c.logger.Error("audit message not stored", "routing_key", routingKey, "err", err)
		_ = ack.Nack(false, true)
	}
}
