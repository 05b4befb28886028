package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
)

var (
	ErrNotFound               = errors.New("payment not found")
	ErrDuplicateInvoice       = errors.New("invoice number already used")
	ErrDuplicateProviderEvent = errors.New("duplicate provider event")
)

// Mutation edits a locked payment in place. It returns the outbox event type
// describing the change, or "" when nothing changed and nothing must be written.
type Mutation func(p *model.Payment) (string, error)

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

type Store interface {
	Create(ctx context.Context, p model.Payment) (model.Payment, error)
	// Update locks the row, applies fn and persists the result with its outbox event.
	Update(ctx context.Context, id string, fn Mutation) (model.Payment, error)
	Get(ctx context.Context, id string) (model.Payment, error)
	// SetConfirmationState records saga progress without touching the payment status.
	SetConfirmationState(ctx context.Context, id, state string, at time.Time) error
	// ListUnconverged returns confirmed payments whose saga failed, or is still
	// pending and was last attempted before staleBefore. Rejected sagas are final
	// and never listed.
	ListUnconverged(ctx context.Context, staleBefore time.Time, limit int) ([]model.Payment, error)
	// RecordProviderEvent returns ErrDuplicateProviderEvent for a replayed event id.
	RecordProviderEvent(ctx context.Context, evt ProviderEvent) error
	// ForgetProviderEvent lets a provider redeliver an event whose processing failed.
	ForgetProviderEvent(ctx context.Context, provider, eventID string) error
}
