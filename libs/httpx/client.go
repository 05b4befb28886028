package httpx

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewClient returns an HTTP client for calls between services: traced, with the
// caller's request id forwarded, and bounded by timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(requestIDTransport{next: http.DefaultTransport}),
	}
}

type requestIDTransport struct {
	next http.RoundTripper
}

func (t requestIDTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if id := RequestIDFromContext(r.Context()); id != "" && r.Header.Get(RequestIDHeader) == "" {
		r = r.Clone(r.Context())
		r.Header.Set(RequestIDHeader, id)
	}
	return t.next.RoundTrip(r)
}
