package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/inspectbook/libs/db"
	"github.com/md-rashed-zaman/inspectbook/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type Publisher struct {
	pool      *db.Pool
	logger    *slog.Logger
	brokers   []string
	encoder   kafkax.Encoder
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	Brokers     string
	Producer    string
	TopicPrefix string
	PollEvery   time.Duration
	BatchSize   int
}

func NewPublisher(pool *db.Pool, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		encoder:   kafkax.Encoder{Producer: cfg.Producer, TopicPrefix: cfg.TopicPrefix},
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

// Run relays unpublished rows until ctx is cancelled. Rows are marked only after
// Kafka acknowledged them, so delivery is at-least-once. A full batch is
// followed immediately by the next one; failures back off up to a minute.
func (p *Publisher) Run(ctx context.Context) {
	writer := kafkax.NewWriter(p.brokers)
	if writer == nil {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}
	defer writer.Close()

	retry := &backoff.ExponentialBackOff{
		InitialInterval:     p.pollEvery,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	retry.Reset()

	timer := time.NewTimer(p.pollEvery)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := p.pollEvery
		n, err := p.publishBatch(ctx, writer)
		switch {
		case err != nil:
			wait = retry.NextBackOff()
			p.logger.Error("outbox publish failed", "err", err, "retry_in", wait)
		case n == p.batchSize:
			retry.Reset()
			wait = 0
		default:
			retry.Reset()
		}
		timer.Reset(wait)
	}
}

func (p *Publisher) publishBatch(ctx context.Context, writer *kafka.Writer) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := fetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	msgs := make([]kafka.Message, 0, len(records))
	seqs := make([]int64, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, p.encoder.Encode(r.Trace.Restore(ctx), kafkax.Record{
			ID:            r.Event.ID,
			Type:          r.Event.EventType,
			AggregateType: r.Event.AggregateType,
			AggregateID:   r.Event.AggregateID,
			Payload:       r.Event.Payload,
		}))
		seqs = append(seqs, r.Seq)
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, err
	}
	if err := markPublished(ctx, tx, seqs); err != nil {
		return 0, err
	}
	p.logger.Debug("outbox batch published", "count", len(msgs), "oldest", records[0].Event.CreatedAt)
	return len(msgs), tx.Commit(ctx)
}
