package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// headers adapts message headers to the W3C propagator.
type headers []kafka.Header

var _ propagation.TextMapCarrier = (*headers)(nil)

func (h headers) Get(key string) string {
	for _, kv := range h {
		if kv.Key == key {
			return string(kv.Value)
		}
	}
	return ""
}

func (h headers) Keys() []string {
	keys := make([]string, len(h))
	for i, kv := range h {
		keys[i] = kv.Key
	}
	return keys
}

func (h *headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *headers) inject(ctx context.Context) {
	otel.GetTextMapPropagator().Inject(ctx, h)
}

// ExtractTraceContext restores the producer's span context from a message.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	h := headers(msg.Headers)
	return otel.GetTextMapPropagator().Extract(ctx, &h)
}
