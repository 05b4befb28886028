package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/audit"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Record is a stored audit event.
type Record struct {
	ID int64 `json:"id"`
	audit.Event
	ReceivedAt time.Time `json:"received_at"`
}

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	Service string
	Event   string
	Level   string
	Limit   int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > MaxLimit {
		return DefaultLimit
	}
	return f.Limit
}

type Store interface {
	Insert(ctx context.Context, evt audit.Event) (Record, error)
	// List returns the newest matching events first.
	List(ctx context.Context, f Filter) ([]Record, error)
}
