// Package audit delivers business events (bookings, confirmations, saga outcomes)
// to the logging service. Delivery is best effort: a sink never returns an error
// and never blocks the operation that produced the event for longer than its timeout.
package audit

import (
	"context"
	"sync"
	"time"
)

const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARNING"
	LevelError = "ERROR"
)

// Event is the wire shape accepted by POST /log.
type Event struct {
	Service   string         `json:"service"`
	Event     string         `json:"event"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// Emitter stamps service name, level and time so callers only name the event.
type Emitter struct {
	service string
	sink    Sink
	now     func() time.Time
}

func NewEmitter(service string, sink Sink) *Emitter {
	if sink == nil {
		sink = Nop{}
	}
	return &Emitter{service: service, sink: sink, now: time.Now}
}

func (e *Emitter) Info(ctx context.Context, event, message string, fields map[string]any) {
	e.emit(ctx, LevelInfo, event, message, fields)
}

func (e *Emitter) Warn(ctx context.Context, event, message string, fields map[string]any) {
	e.emit(ctx, LevelWarn, event, message, fields)
}

func (e *Emitter) Error(ctx context.Context, event, message string, fields map[string]any) {
	e.emit(ctx, LevelError, event, message, fields)
}

func (e *Emitter) emit(ctx context.Context, level, event, message string, fields map[string]any) {
	e.sink.Emit(ctx, Event{
		Service:   e.service,
		Event:     event,
		Level:     level,
		Message:   message,
		Timestamp: e.now().UTC(),
		Fields:    fields,
	})
}

type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Recorder keeps every event in memory. Used by tests and the memory storage driver.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events carry the given name.
func (r *Recorder) Count(name string) int {
	n := 0
	for _, evt := range r.Events() {
		if evt.Event == name {
			n++
		}
	}
	return n
}
