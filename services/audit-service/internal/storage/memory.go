package storage

import (
	"context"
	"sync"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/audit"
)

type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	records []Record
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Insert(_ context.Context, evt audit.Event) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{ID: int64(len(m.records) + 1), Event: evt, ReceivedAt: m.now().UTC()}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Record{}
	for i := len(m.records) - 1; i >= 0 && len(out) < f.limit(); i-- {
		rec := m.records[i]
		if (f.Service != "" && rec.Service != f.Service) ||
			(f.Event != "" && rec.Event.Event != f.Event) ||
			(f.Level != "" && rec.Level != f.Level) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
