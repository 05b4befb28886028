package kafkax

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestEncodeCarriesMetadataAndTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	enc := Encoder{Producer: "payment-service", TopicPrefix: "inspectbook."}
	msg := enc.Encode(ctx, Record{
		ID:            "evt-1",
		Type:          "payment.confirmed.v1",
		AggregateType: "payment",
		AggregateID:   "pay-1",
		Payload:       []byte(`{}`),
	})
	if msg.Topic != "inspectbook.payment.confirmed.v1" || string(msg.Key) != "pay-1" {
		t.Fatalf("unexpected topic/key %q %q", msg.Topic, msg.Key)
	}
	for key, want := range map[string]string{
		HeaderEventID:       "evt-1",
		HeaderEventType:     "payment.confirmed.v1",
		HeaderAggregateType: "payment",
		HeaderProducer:      "payment-service",
	} {
		if got := HeaderValue(msg.Headers, key); got != want {
			t.Fatalf("header %s: expected %q, got %q", key, want, got)
		}
	}
	if HeaderValue(msg.Headers, "traceparent") == "" {
		t.Fatalf("traceparent header not injected: %+v", msg.Headers)
	}

	got := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), msg))
	if got.TraceID() != traceID {
		t.Fatalf("expected trace %s, got %s", traceID, got.TraceID())
	}
}

func TestTopicWithoutPrefix(t *testing.T) {
	if got := (Encoder{}).Topic("appointment.created.v1"); got != "appointment.created.v1" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
	if NewWriter(nil) != nil {
		t.Fatalf("expected nil writer without brokers")
	}
}

func TestReadyCheckWithoutBrokers(t *testing.T) {
	err := ReadyCheck(" , ")(t.Context())
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected not configured error, got %v", err)
	}
}
