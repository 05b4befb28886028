package httpx

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy describes which browser origins may call the API. An origin entry
// is an exact origin, "*", or a subdomain pattern such as "https://*.example.com".
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

type originRule struct {
	any    bool
	exact  string
	scheme string
	suffix string
}

func parseOriginRule(raw string) originRule {
	raw = strings.ToLower(strings.TrimRight(raw, "/"))
	if raw == "*" {
		return originRule{any: true}
	}
	if scheme, host, ok := strings.Cut(raw, "://*."); ok {
		return originRule{scheme: scheme + "://", suffix: "." + host}
	}
	return originRule{exact: raw}
}

func (o originRule) match(origin string) bool {
	switch {
	case o.any:
		return true
	case o.exact != "":
		return o.exact == origin
	default:
		host, ok := strings.CutPrefix(origin, o.scheme)
		return ok && strings.HasSuffix(host, o.suffix) && len(host) > len(o.suffix)
	}
}

type corsPolicy struct {
	rules       []originRule
	methods     []string
	allowMethod string
	allowHeader string
	expose      string
	credentials bool
	maxAge      string
}

// WithCORS answers preflights and decorates responses for allowed origins.
// With no allowed origins it is a no-op. Preflights from other origins, or for
// methods outside the policy, get 403.
func WithCORS(cfg CORSPolicy) Middleware {
	origins := trimmed(cfg.AllowedOrigins)
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	p := &corsPolicy{
		methods:     upper(trimmed(cfg.AllowedMethods)),
		allowHeader: strings.Join(trimmed(cfg.AllowedHeaders), ", "),
		expose:      strings.Join(trimmed(cfg.ExposedHeaders), ", "),
		credentials: cfg.AllowCredentials,
	}
	for _, o := range origins {
		p.rules = append(p.rules, parseOriginRule(o))
	}
	p.allowMethod = strings.Join(p.methods, ", ")
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}
	return p.middleware
}

func (p *corsPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		requested := r.Header.Get("Access-Control-Request-Method")
		preflight := r.Method == http.MethodOptions && requested != ""

		h := w.Header()
		h.Add("Vary", "Origin")
		if !p.allowed(origin) {
			if preflight {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if p.credentials || !p.wildcard() {
			h.Set("Access-Control-Allow-Origin", origin)
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		if p.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if !preflight {
			if p.expose != "" {
				h.Set("Access-Control-Expose-Headers", p.expose)
			}
			next.ServeHTTP(w, r)
			return
		}

		h.Add("Vary", "Access-Control-Request-Method")
		h.Add("Vary", "Access-Control-Request-Headers")
		if len(p.methods) > 0 && !slices.Contains(p.methods, strings.ToUpper(requested)) {
			http.Error(w, "method not allowed", http.StatusForbidden)
			return
		}
		if p.allowMethod != "" {
			h.Set("Access-Control-Allow-Methods", p.allowMethod)
		}
		if p.allowHeader != "" {
			h.Set("Access-Control-Allow-Headers", p.allowHeader)
		}
		if p.maxAge != "" {
			h.Set("Access-Control-Max-Age", p.maxAge)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (p *corsPolicy) allowed(origin string) bool {
	origin = strings.ToLower(origin)
	for _, rule := range p.rules {
		if rule.match(origin) {
			return true
		}
	}
	return false
}

func (p *corsPolicy) wildcard() bool {
	return slices.ContainsFunc(p.rules, func(o originRule) bool { return o.any })
}

func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func upper(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToUpper(v)
	}
	return values
}
