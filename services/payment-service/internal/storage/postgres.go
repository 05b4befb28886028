package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/inspectbook/libs/db"
	"github.com/md-rashed-zaman/inspectbook/libs/outbox"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
)

//go:embed schema.sql
var schema string

const selectColumns = `
	SELECT id::text, appointment_id::text, user_id, amount_cents, payment_type, status,
		COALESCE(transaction_id, ''), COALESCE(invoice_number, ''),
		confirmation_state, confirmation_attempted_at, created_at, updated_at
	FROM payments`

type Postgres struct {
	pool *db.Pool
	now  func() time.Time
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	return s.pool.ApplySchema(ctx, schema, outbox.Schema)
}

func (s *Postgres) Create(ctx context.Context, p model.Payment) (model.Payment, error) {
	err := s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payments
				(id, appointment_id, user_id, amount_cents, payment_type, status, transaction_id,
				 invoice_number, confirmation_state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)
		`, p.ID, p.AppointmentID, p.UserID, int64(p.Amount), p.Type, p.Status, p.TransactionID,
			p.InvoiceNumber, p.ConfirmationState, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, model.EventCreated, p)
	})
	if err != nil {
		if db.IsUniqueViolation(err, "payments_invoice_number_key") {
			return model.Payment{}, ErrDuplicateInvoice
		}
		return model.Payment{}, err
	}
	return p, nil
}

func (s *Postgres) Update(ctx context.Context, id string, fn Mutation) (model.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Payment{}, ErrNotFound
	}
	var out model.Payment
	err := s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPayment(tx.QueryRow(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if db.IsNoRows(err) {
				return ErrNotFound
			}
			return err
		}
		eventType, err := fn(&p)
		if err != nil {
			return err
		}
		if eventType == "" {
			out = p
			return nil
		}
		p.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)
		if _, err := tx.Exec(ctx, `
			UPDATE payments
			SET status = $2,
				transaction_id = NULLIF($3, ''),
				confirmation_state = $4,
				confirmation_attempted_at = $5,
				updated_at = $6
			WHERE id = $1
		`, p.ID, p.Status, p.TransactionID, p.ConfirmationState, p.ConfirmationAttemptedAt, p.UpdatedAt); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, eventType, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return model.Payment{}, err
	}
	return out, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (model.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Payment{}, ErrNotFound
	}
	p, err := scanPayment(s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return model.Payment{}, ErrNotFound
	}
	return p, err
}

func (s *Postgres) SetConfirmationState(ctx context.Context, id, state string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET confirmation_state = $2,
			confirmation_attempted_at = $3
		WHERE id = $1 AND status = 'confirmed'
	`, id, state, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListUnconverged(ctx context.Context, staleBefore time.Time, limit int) ([]model.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE status = 'confirmed'
			AND (confirmation_state = 'failed'
				OR (confirmation_state = 'pending' AND confirmation_attempted_at < $1))
		ORDER BY confirmation_attempted_at NULLS FIRST, id
		LIMIT $2
	`, staleBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) RecordProviderEvent(ctx context.Context, evt ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

func (s *Postgres) ForgetProviderEvent(ctx context.Context, provider, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM provider_events WHERE provider = $1 AND provider_event_id = $2
	`, provider, eventID)
	return err
}

func insertEvent(ctx context.Context, tx pgx.Tx, eventType string, p model.Payment) error {
	evt, err := outbox.NewEvent("payment", p.ID, eventType, p, p.UpdatedAt)
	if err != nil {
		return err
	}
	return outbox.Insert(ctx, tx, evt)
}

func scanPayment(row pgx.Row) (model.Payment, error) {
	var p model.Payment
	var cents int64
	var attemptedAt *time.Time
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.UserID,
		&cents,
		&p.Type,
		&p.Status,
		&p.TransactionID,
		&p.InvoiceNumber,
		&p.ConfirmationState,
		&attemptedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return model.Payment{}, err
	}
	p.Amount = model.Cents(cents)
	if attemptedAt != nil {
		at := attemptedAt.UTC()
		p.ConfirmationAttemptedAt = &at
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

var _ Store = (*Postgres)(nil)
