package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/outbox"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
)

// Memory is the in-process driver used for local runs and tests.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	byID      map[string]model.Payment
	invoices  map[string]string
	providers map[string]struct{}
	events    []outbox.Event
}

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		byID:      map[string]model.Payment{},
		invoices:  map[string]string{},
		providers: map[string]struct{}{},
	}
}

func (m *Memory) Create(_ context.Context, p model.Payment) (model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.InvoiceNumber != "" {
		if _, ok := m.invoices[p.InvoiceNumber]; ok {
			return model.Payment{}, ErrDuplicateInvoice
		}
	}
	if err := m.record(model.EventCreated, p); err != nil {
		return model.Payment{}, err
	}
	m.byID[p.ID] = p
	if p.InvoiceNumber != "" {
		m.invoices[p.InvoiceNumber] = p.ID
	}
	return p, nil
}

func (m *Memory) Update(_ context.Context, id string, fn Mutation) (model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return model.Payment{}, ErrNotFound
	}
	eventType, err := fn(&p)
	if err != nil {
		return model.Payment{}, err
	}
	if eventType == "" {
		return m.byID[id], nil
	}
	p.UpdatedAt = m.now().UTC().Truncate(time.Microsecond)
	if err := m.record(eventType, p); err != nil {
		return model.Payment{}, err
	}
	m.byID[id] = p
	return p, nil
}

func (m *Memory) Get(_ context.Context, id string) (model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return model.Payment{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) SetConfirmationState(_ context.Context, id, state string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok || p.Status != model.StatusConfirmed {
		return ErrNotFound
	}
	at = at.UTC()
	p.ConfirmationState = state
	p.ConfirmationAttemptedAt = &at
	m.byID[id] = p
	return nil
}

func (m *Memory) ListUnconverged(_ context.Context, staleBefore time.Time, limit int) ([]model.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	var out []model.Payment
	for _, p := range m.byID {
		if p.Status != model.StatusConfirmed {
			continue
		}
		switch p.ConfirmationState {
		case model.ConfirmationFailed:
		case model.ConfirmationPending:
			if p.ConfirmationAttemptedAt != nil && !p.ConfirmationAttemptedAt.Before(staleBefore) {
				continue
			}
		default:
			continue
		}
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordProviderEvent(_ context.Context, evt ProviderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := evt.Provider + "/" + evt.ProviderEventID
	if _, ok := m.providers[key]; ok {
		return ErrDuplicateProviderEvent
	}
	m.providers[key] = struct{}{}
	return nil
}

func (m *Memory) ForgetProviderEvent(_ context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers, provider+"/"+eventID)
	return nil
}

// Events returns the outbox events written so far.
func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) record(eventType string, p model.Payment) error {
	evt, err := outbox.NewEvent("payment", p.ID, eventType, p, p.UpdatedAt)
	if err != nil {
		return err
	}
	m.events = append(m.events, evt)
	return nil
}

var _ Store = (*Memory)(nil)
