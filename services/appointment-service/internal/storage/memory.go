package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/outbox"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/model"
)

// Memory is the in-process driver used for local runs and tests. It enforces the
// same two slot guards as Postgres and keeps outbox events without publishing them.
type Memory struct {
	mu     sync.Mutex
	slot   time.Duration
	now    func() time.Time
	byID   map[string]model.Appointment
	byKey  map[string]string
	events []outbox.Event
}

func NewMemory(slot time.Duration) *Memory {
	return &Memory{
		slot:  slot,
		now:   time.Now,
		byID:  map[string]model.Appointment{},
		byKey: map[string]string{},
	}
}

func (m *Memory) Create(_ context.Context, appt model.Appointment) (model.Appointment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if appt.IdempotencyKey != "" {
		if id, ok := m.byKey[appt.IdempotencyKey]; ok {
			return m.byID[id], true, nil
		}
	}
	if appt.ScheduledAt != nil {
		for _, other := range m.byID {
			if other.Active() && other.ScheduledAt != nil && other.ScheduledAt.Equal(*appt.ScheduledAt) {
				return model.Appointment{}, false, ErrSlotTaken
			}
		}
		for _, other := range m.byID {
			if other.Active() && other.ScheduledAt != nil && m.overlaps(*other.ScheduledAt, *appt.ScheduledAt) {
				return model.Appointment{}, false, ErrSlotOverlap
			}
		}
	}
	if err := m.record(model.EventCreated, appt); err != nil {
		return model.Appointment{}, false, err
	}
	m.byID[appt.ID] = appt
	if appt.IdempotencyKey != "" {
		m.byKey[appt.IdempotencyKey] = appt.ID
	}
	return appt, false, nil
}

// overlaps mirrors tstzrange(a, a+slot) && tstzrange(b, b+slot).
func (m *Memory) overlaps(a, b time.Time) bool {
	return a.Before(b.Add(m.slot)) && b.Before(a.Add(m.slot))
}

func (m *Memory) Update(_ context.Context, id string, fn Mutation) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appt, ok := m.byID[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	eventType, err := fn(&appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if eventType == "" {
		return m.byID[id], nil
	}
	appt.UpdatedAt = m.now().UTC().Truncate(time.Microsecond)
	if err := m.record(eventType, appt); err != nil {
		return model.Appointment{}, err
	}
	m.byID[id] = appt
	return appt, nil
}

func (m *Memory) Get(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	appt, ok := m.byID[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	return appt, nil
}

func (m *Memory) List(_ context.Context, f model.ListFilter) ([]model.Appointment, error) {
	f = normalizeFilter(f)
	m.mu.Lock()
	var all []model.Appointment
	for _, appt := range m.byID {
		if f.UserID != "" && appt.UserID != f.UserID {
			continue
		}
		if f.Status != "" && appt.Status != f.Status {
			continue
		}
		all = append(all, appt)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if f.Skip >= len(all) {
		return nil, nil
	}
	all = all[f.Skip:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (m *Memory) BookedTimes(_ context.Context, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for _, appt := range m.byID {
		if !appt.Active() || appt.ScheduledAt == nil {
			continue
		}
		t := *appt.ScheduledAt
		if !t.Before(from) && t.Before(to) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Events returns the outbox events written so far.
func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) record(eventType string, appt model.Appointment) error {
	evt, err := outbox.NewEvent("appointment", appt.ID, eventType, appt, appt.UpdatedAt)
	if err != nil {
		return err
	}
	m.events = append(m.events, evt)
	return nil
}

var _ Store = (*Memory)(nil)
