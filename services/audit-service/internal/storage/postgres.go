package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/db"
)

//go:embed schema.sql
var schema string

type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	return s.pool.ApplySchema(ctx, schema)
}

func (s *Postgres) Insert(ctx context.Context, evt audit.Event) (Record, error) {
	fields := evt.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Event: evt}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO audit_events (service, event, level, message, fields, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, received_at
	`, evt.Service, evt.Event, evt.Level, evt.Message, raw, evt.Timestamp).Scan(&rec.ID, &rec.ReceivedAt)
	if err != nil {
		return Record{}, err
	}
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	return rec, nil
}

func (s *Postgres) List(ctx context.Context, f Filter) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, service, event, level, message, fields, occurred_at, received_at
		FROM audit_events
		WHERE ($1 = '' OR service = $1)
		  AND ($2 = '' OR event = $2)
		  AND ($3 = '' OR level = $3)
		ORDER BY id DESC
		LIMIT $4
	`, f.Service, f.Event, f.Level, f.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			rec        Record
			raw        []byte
			occurredAt time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Service, &rec.Event.Event, &rec.Level, &rec.Message, &raw, &occurredAt, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 && string(raw) != "{}" {
			if err := json.Unmarshal(raw, &rec.Fields); err != nil {
				return nil, err
			}
		}
		rec.Timestamp = occurredAt.UTC()
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
