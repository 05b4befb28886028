package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
)

// Quota is a fixed-window request budget.
type Quota struct {
	Limit  int
	Window time.Duration
}

func (q Quota) normalized() Quota {
	if q.Limit <= 0 {
		q.Limit = 60
	}
	if q.Window <= 0 {
		q.Window = time.Minute
	}
	return q
}

// Decision is the outcome of taking one request from a key's budget.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter takes one request from the budget of key.
type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
	Quota() Quota
}

// KeyFunc names the budget a request is charged to.
type KeyFunc func(*http.Request) string

// WithRateLimit charges every request to key(r). A limiter error lets the
// request through when failOpen is set and answers 503 otherwise.
func WithRateLimit(l Limiter, key KeyFunc, logger *slog.Logger, failOpen bool) Middleware {
	if key == nil {
		key = ClientIP
	}
	limit := strconv.Itoa(l.Quota().Limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Take(r.Context(), key(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", "err", err, "fail_open", failOpen)
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
				return
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				WriteError(w, r, apperr.RateLimited("rate limit exceeded, retry in %ds", secs))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MemoryLimiter keeps windows in process. Each replica enforces its own budget.
type MemoryLimiter struct {
	quota Quota
	now   func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

type window struct {
	used    int
	resetAt time.Time
}

func NewMemoryLimiter(q Quota) *MemoryLimiter {
	return &MemoryLimiter{quota: q.normalized(), now: time.Now, windows: map[string]*window{}}
}

func (l *MemoryLimiter) Quota() Quota { return l.quota }

func (l *MemoryLimiter) Take(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.quota.Window {
		l.lastSweep = now
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
	}

	w := l.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.quota.Window)}
		l.windows[key] = w
	}
	if w.used >= l.quota.Limit {
		return Decision{RetryAfter: w.resetAt.Sub(now)}, nil
	}
	w.used++
	return Decision{Allowed: true, Remaining: l.quota.Limit - w.used}, nil
}

// ClientIP keys a request by the first X-Forwarded-For hop, falling back to
// the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
