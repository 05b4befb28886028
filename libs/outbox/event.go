// Package outbox stores domain events in the same transaction as the state change
// that produced them and relays them to Kafka afterwards.
package outbox

import (
	_ "embed"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Schema creates outbox_events. Services apply it next to their own tables.
//
//go:embed schema.sql
var Schema string

// Event is the envelope written to outbox_events. Its Kafka topic is EventType,
// prefixed by the publisher's TopicPrefix when one is set.
type Event struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

func NewEvent(aggregateType, aggregateID, eventType string, payload any, now time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     now.UTC(),
	}, nil
}
