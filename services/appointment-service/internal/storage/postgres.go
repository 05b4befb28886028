package storage

import (
	"context"
	_ "embed"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/inspectbook/libs/db"
	"github.com/md-rashed-zaman/inspectbook/libs/outbox"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/model"
)

//go:embed schema.sql
var schema string

const selectColumns = `
	SELECT id::text, user_id, vehicle_type, vehicle_registration, vehicle_brand, vehicle_model,
		scheduled_at, status, inspection_status, COALESCE(payment_id, ''), COALESCE(inspection_payment_id, ''),
		COALESCE(idempotency_key, ''), created_at, updated_at
	FROM appointments`

type Postgres struct {
	pool *db.Pool
	slot time.Duration
	now  func() time.Time
}

// NewPostgres stores appointments in pool. slot is the booking length used for
// the overlap constraint.
func NewPostgres(pool *db.Pool, slot time.Duration) *Postgres {
	return &Postgres{pool: pool, slot: slot, now: time.Now}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	return s.pool.ApplySchema(ctx, schema, outbox.Schema)
}

func (s *Postgres) Create(ctx context.Context, appt model.Appointment) (model.Appointment, bool, error) {
	var out model.Appointment
	var replayed bool
	err := s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if appt.IdempotencyKey != "" {
			if err := db.AdvisoryXactLockText(ctx, tx, "appointment-idempotency:"+appt.IdempotencyKey); err != nil {
				return err
			}
			existing, err := scanAppointment(tx.QueryRow(ctx, selectColumns+` WHERE idempotency_key = $1`, appt.IdempotencyKey))
			if err == nil {
				out, replayed = existing, true
				return nil
			}
			if !db.IsNoRows(err) {
				return err
			}
		}

		var scheduledEnd *time.Time
		if appt.ScheduledAt != nil {
			k1, k2 := slotLockKey(*appt.ScheduledAt)
			if err := db.AdvisoryXactLock(ctx, tx, k1, k2); err != nil {
				return err
			}
			var taken bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM appointments
					WHERE scheduled_at = $1 AND status IN ('pending', 'confirmed')
				)
			`, *appt.ScheduledAt).Scan(&taken); err != nil {
				return err
			}
			if taken {
				return ErrSlotTaken
			}
			end := appt.ScheduledAt.Add(s.slot)
			scheduledEnd = &end
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO appointments
				(id, user_id, vehicle_type, vehicle_registration, vehicle_brand, vehicle_model,
				 scheduled_at, scheduled_end, status, inspection_status, idempotency_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
		`, appt.ID, appt.UserID, appt.Vehicle.Type, appt.Vehicle.Registration, appt.Vehicle.Brand, appt.Vehicle.Model,
			appt.ScheduledAt, scheduledEnd, appt.Status, appt.InspectionStatus, appt.IdempotencyKey,
			appt.CreatedAt, appt.UpdatedAt)
		if err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, model.EventCreated, appt); err != nil {
			return err
		}
		out = appt
		return nil
	})
	if err != nil {
		return model.Appointment{}, false, mapWriteError(err)
	}
	return out, replayed, nil
}

func (s *Postgres) Update(ctx context.Context, id string, fn Mutation) (model.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Appointment{}, ErrNotFound
	}
	var out model.Appointment
	err := s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		appt, err := scanAppointment(tx.QueryRow(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if db.IsNoRows(err) {
				return ErrNotFound
			}
			return err
		}
		eventType, err := fn(&appt)
		if err != nil {
			return err
		}
		if eventType == "" {
			out = appt
			return nil
		}
		appt.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)
		if _, err := tx.Exec(ctx, `
			UPDATE appointments
			SET status = $2,
				inspection_status = $3,
				payment_id = NULLIF($4, ''),
				inspection_payment_id = NULLIF($5, ''),
				updated_at = $6
			WHERE id = $1
		`, appt.ID, appt.Status, appt.InspectionStatus, appt.PaymentID, appt.InspectionPaymentID, appt.UpdatedAt); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, eventType, appt); err != nil {
			return err
		}
		out = appt
		return nil
	})
	if err != nil {
		return model.Appointment{}, mapWriteError(err)
	}
	return out, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (model.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Appointment{}, ErrNotFound
	}
	appt, err := scanAppointment(s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return model.Appointment{}, ErrNotFound
	}
	return appt, err
}

func (s *Postgres) List(ctx context.Context, f model.ListFilter) ([]model.Appointment, error) {
	f = normalizeFilter(f)
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE ($1 = '' OR user_id = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		OFFSET $3
		LIMIT $4
	`, f.UserID, f.Status, f.Skip, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (s *Postgres) BookedTimes(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scheduled_at
		FROM appointments
		WHERE scheduled_at >= $1 AND scheduled_at < $2
			AND status IN ('pending', 'confirmed')
		ORDER BY scheduled_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t.UTC())
	}
	return out, rows.Err()
}

func insertEvent(ctx context.Context, tx pgx.Tx, eventType string, appt model.Appointment) error {
	evt, err := outbox.NewEvent("appointment", appt.ID, eventType, appt, appt.UpdatedAt)
	if err != nil {
		return err
	}
	return outbox.Insert(ctx, tx, evt)
}

func mapWriteError(err error) error {
	switch {
	case db.IsExclusionViolation(err):
		return ErrSlotOverlap
	case db.IsUniqueViolation(err, "appointments_idempotency_key_key"):
		return ErrDuplicateKey
	}
	return err
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var scheduledAt *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.UserID,
		&appt.Vehicle.Type,
		&appt.Vehicle.Registration,
		&appt.Vehicle.Brand,
		&appt.Vehicle.Model,
		&scheduledAt,
		&appt.Status,
		&appt.InspectionStatus,
		&appt.PaymentID,
		&appt.InspectionPaymentID,
		&appt.IdempotencyKey,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	if scheduledAt != nil {
		at := scheduledAt.UTC()
		appt.ScheduledAt = &at
	}
	appt.CreatedAt = appt.CreatedAt.UTC()
	appt.UpdatedAt = appt.UpdatedAt.UTC()
	return appt, nil
}

var _ Store = (*Postgres)(nil)
