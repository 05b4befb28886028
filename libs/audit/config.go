package audit

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config selects the transport. Loaded with envconfig (AUDIT_SINK, LOGGING_SERVICE_URL, ...).
type Config struct {
	Sink       string        `envconfig:"AUDIT_SINK" default:"http"`
	ServiceURL string        `envconfig:"LOGGING_SERVICE_URL" default:"http://audit-service:8005"`
	Timeout    time.Duration `envconfig:"AUDIT_TIMEOUT" default:"5s"`
	AMQPURL    string        `envconfig:"AMQP_URL"`
	Exchange   string        `envconfig:"AUDIT_EXCHANGE" default:"audit.events"`
}

// Open builds the configured sink. The returned close func is never nil.
func Open(cfg Config, logger *slog.Logger) (Sink, func() error, error) {
	noClose := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Sink)) {
	case "", "http":
		if cfg.ServiceURL == "" {
			return Nop{}, noClose, nil
		}
		return NewHTTPSink(cfg.ServiceURL, cfg.Timeout, logger), noClose, nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, noClose, fmt.Errorf("AMQP_URL is required when AUDIT_SINK=amqp")
		}
		s, err := NewAMQPSink(cfg.AMQPURL, cfg.Exchange, cfg.Timeout, logger)
		if err != nil {
			return nil, noClose, err
		}
		return s, s.Close, nil
	case "none", "off":
		return Nop{}, noClose, nil
	default:
		return nil, noClose, fmt.Errorf("unknown AUDIT_SINK %q", cfg.Sink)
	}
}
