package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "audit.events"

// AMQPSink publishes events to a durable topic exchange; the routing key is the event name.
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewAMQPSink(url, exchange string, timeout time.Duration, logger *slog.Logger) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange, timeout: timeout, logger: logger}, nil
}

func (s *AMQPSink) Emit(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("audit event encode failed", "event", evt.Event, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishes.
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.ch.PublishWithContext(ctx, s.exchange, evt.Event, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    evt.Timestamp,
		AppId:        evt.Service,
		Body:         body,
	})
	if err != nil {
		s.logger.Warn("audit publish failed", "event", evt.Event, "err", err)
	}
}

// ReadyCheck reports whether the broker connection is still open.
func (s *AMQPSink) ReadyCheck(context.Context) error {
	if s.conn == nil || s.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	return nil
}

func (s *AMQPSink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
