// Package ingest normalizes audit events from every transport before they are stored.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/validate"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/storage"
	"github.com/tidwall/gjson"
)

type eventInput struct {
	Service string `json:"service" validate:"required,max=100"`
	Event   string `json:"event" validate:"required,max=200"`
	Level   string `json:"level" validate:"oneof=INFO WARNING ERROR"`
	Message string `json:"message" validate:"max=4000"`
}

type Service struct {
	store    storage.Store
	validate *validate.Validator
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, validate: validate.New(), logger: logger, now: time.Now}
}

// Record validates evt, fills the level and timestamp when absent, and stores it.
func (s *Service) Record(ctx context.Context, evt audit.Event) (storage.Record, error) {
	evt.Service = strings.TrimSpace(evt.Service)
	evt.Event = strings.TrimSpace(evt.Event)
	evt.Level = NormalizeLevel(evt.Level)
	if err := s.validate.Struct(eventInput{Service: evt.Service, Event: evt.Event, Level: evt.Level, Message: evt.Message}); err != nil {
		return storage.Record{}, err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Microsecond)
	rec, err := s.store.Insert(ctx, evt)
	if err != nil {
		return storage.Record{}, err
	}
	s.logger.Debug("audit event stored", "id", rec.ID, "service", evt.Service, "event", evt.Event, "level", evt.Level)
	return rec, nil
}

func (s *Service) List(ctx context.Context, f storage.Filter) ([]storage.Record, error) {
	if f.Level != "" {
		f.Level = NormalizeLevel(f.Level)
	}
	return s.store.List(ctx, f)
}

// NormalizeLevel upper-cases level and maps the common aliases. Empty means INFO.
func NormalizeLevel(level string) string {
	switch l := strings.ToUpper(strings.TrimSpace(level)); l {
	case "":
		return audit.LevelInfo
	case "WARN":
		return audit.LevelWarn
	case "ERR", "FATAL", "CRITICAL":
		return audit.LevelError
	default:
		return l
	}
}

// Decode reads an event from a broker message. Publishers other than
// libs/audit may send the timestamp as RFC 3339 or unix seconds and may omit fields.
func Decode(body []byte) (audit.Event, error) {
	if !gjson.ValidBytes(body) {
		return audit.Event{}, apperr.Validation("audit message is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	evt := audit.Event{
		Service: doc.Get("service").String(),
		Event:   doc.Get("event").String(),
		Level:   doc.Get("level").String(),
		Message: doc.Get("message").String(),
	}
	switch ts := doc.Get("timestamp"); ts.Type {
	case gjson.Number:
		evt.Timestamp = time.Unix(ts.Int(), 0).UTC()
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, ts.String())
		if err != nil {
			return audit.Event{}, apperr.Validation("timestamp must be RFC 3339 or unix seconds")
		}
		evt.Timestamp = t
	}
	if fields := doc.Get("fields"); fields.IsObject() {
		if m, ok := fields.Value().(map[string]any); ok {
			evt.Fields = m
		}
	}
	return evt, nil
}
