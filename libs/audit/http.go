package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
)

// HTTPSink posts each event to {baseURL}/log.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPSink(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		endpoint: strings.TrimRight(baseURL, "/") + "/log",
		client:   httpx.NewClient(timeout),
		logger:   logger,
	}
}

func (s *HTTPSink) Emit(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("audit event encode failed", "event", evt.Event, "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("audit request build failed", "event", evt.Event, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("audit delivery failed", "event", evt.Event, "err", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		s.logger.Warn("audit delivery rejected", "event", evt.Event, "status", resp.StatusCode)
	}
}
