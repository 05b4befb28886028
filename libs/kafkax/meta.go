// Package kafkax turns outbox rows into Kafka messages and back.
package kafkax

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderProducer      = "producer"
)

// Record is one domain event ready to publish.
type Record struct {
	ID            string
	Type          string
	AggregateType string
	AggregateID   string
	Payload       []byte
}

// Encoder stamps messages with the producing service. The topic is the event
// type, optionally prefixed; the key is the aggregate id so every event of one
// appointment or payment lands on the same partition in order.
type Encoder struct {
	Producer    string
	TopicPrefix string
}

func (e Encoder) Topic(eventType string) string {
	if e.TopicPrefix == "" {
		return eventType
	}
	return strings.TrimSuffix(e.TopicPrefix, ".") + "." + eventType
}

// Encode builds the message for r, carrying the span context of ctx.
func (e Encoder) Encode(ctx context.Context, r Record) kafka.Message {
	h := headers{
		{Key: HeaderEventID, Value: []byte(r.ID)},
		{Key: HeaderEventType, Value: []byte(r.Type)},
		{Key: HeaderAggregateType, Value: []byte(r.AggregateType)},
	}
	if e.Producer != "" {
		h = append(h, kafka.Header{Key: HeaderProducer, Value: []byte(e.Producer)})
	}
	h.inject(ctx)
	return kafka.Message{
		Topic:   e.Topic(r.Type),
		Key:     []byte(r.AggregateID),
		Value:   r.Payload,
		Headers: h,
	}
}

func HeaderValue(hs []kafka.Header, key string) string {
	return headers(hs).Get(key)
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
