package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	otelx "github.com/md-rashed-zaman/inspectbook/libs/otel"
)

type Record struct {
	Seq   int64
	Event Event
	Trace otelx.TraceRef
}

// Insert must run inside the caller's transaction.
func Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	ref := otelx.CaptureTrace(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, evt.ID, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, ref.Parent, ref.State, evt.CreatedAt)
	return err
}

func fetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Seq, &r.Event.ID, &r.Event.AggregateType, &r.Event.AggregateID, &r.Event.EventType,
			&r.Event.Payload, &r.Trace.Parent, &r.Trace.State, &r.Event.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func markPublished(ctx context.Context, tx pgx.Tx, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, seqs)
	return err
}
