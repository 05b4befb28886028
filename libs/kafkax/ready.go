package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// NewWriter returns a writer that waits for all in-sync replicas, or nil when
// no brokers are configured. Batches flush quickly since the outbox relay
// already batches rows.
func NewWriter(brokers []string) *kafka.Writer {
	if len(brokers) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// ReadyCheck passes when any configured broker accepts a connection.
func ReadyCheck(brokers string) func(context.Context) error {
	list := SplitBrokers(brokers)
	return func(ctx context.Context) error {
		if len(list) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		var errs []error
		for _, addr := range list {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err == nil {
				return conn.Close()
			}
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			if ctx.Err() != nil {
				break
			}
		}
		return errors.Join(errs...)
	}
}
