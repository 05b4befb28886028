package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/model"
)

var (
	ErrNotFound = errors.New("appointment not found")
	// ErrSlotTaken is the exact-time guard: an active appointment starts at the same instant.
	ErrSlotTaken = errors.New("time slot already booked")
	// ErrSlotOverlap is the store-level guard: an active appointment starts less than one
	// slot duration away.
	ErrSlotOverlap  = errors.New("time slot overlaps an active appointment")
	ErrDuplicateKey = errors.New("idempotency key already used")
)

// Mutation edits a locked appointment in place. It returns the outbox event type
// describing the change, or "" when nothing changed and nothing must be written.
type Mutation func(a *model.Appointment) (string, error)

type Store interface {
	// Create replays the appointment stored under appt.IdempotencyKey when there is one
	// (replayed=true, nothing written). Otherwise it checks the slot and inserts appt.
	Create(ctx context.Context, appt model.Appointment) (out model.Appointment, replayed bool, err error)
	// Update locks the row, applies fn and persists the result with its outbox event.
	Update(ctx context.Context, id string, fn Mutation) (model.Appointment, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
	List(ctx context.Context, f model.ListFilter) ([]model.Appointment, error)
	// BookedTimes returns start times of active appointments in [from, to).
	BookedTimes(ctx context.Context, from, to time.Time) ([]time.Time, error)
}

const (
	defaultLimit = 100
	maxLimit     = 500
)

func normalizeFilter(f model.ListFilter) model.ListFilter {
	if f.Skip < 0 {
		f.Skip = 0
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	return f
}

// slotLockKey maps a slot to the (yyyymmdd, minute of day) advisory lock pair.
func slotLockKey(t time.Time) (int32, int32) {
	u := t.UTC()
	return int32(u.Year()*10000 + int(u.Month())*100 + u.Day()), int32(u.Hour()*60 + u.Minute())
}
