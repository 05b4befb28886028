package main

import (
	"embed"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

//go:embed assets/gateway.v1.yaml
var openAPISpec embed.FS

type upstreams struct {
	Appointments *url.URL
	Payments     *url.URL
	Audit        *url.URL
}

func registerRoutes(mux *http.ServeMux, up upstreams, verifier *auth.Verifier, logger *slog.Logger) {
	appointments := newProxy(up.Appointments, logger)
	payments := newProxy(up.Payments, logger)
	audit := newProxy(up.Audit, logger)

	authed := func(next http.Handler, roles ...string) http.Handler {
		var roleMW httpx.Middleware
		if len(roles) > 0 {
			roleMW = auth.RequireRole(roles...)
		}
		return httpx.Chain(next, auth.Require(verifier), roleMW)
	}

	registerProxy(mux, "/appointments", authed(appointments))
	mux.Handle("/appointments/all", authed(appointments, auth.RoleTechnician, auth.RoleAdmin))
	mux.Handle("/appointments/admin/", authed(appointments, auth.RoleAdmin))

	// The payment provider reaches these without a bearer token; the shared
	// secret or the Stripe signature is checked by the payment service.
	mux.Handle("/payment/confirm", payments)
	mux.Handle("/payment/webhooks/stripe", payments)
	registerProxy(mux, "/payment", authed(payments))

	mux.Handle("/logs", authed(audit, auth.RoleAdmin))

	mux.HandleFunc("GET /openapi", func(w http.ResponseWriter, _ *http.Request) {
		data, err := openAPISpec.ReadFile("assets/gateway.v1.yaml")
		if err != nil {
			http.Error(w, "openapi not available", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})
}

func newProxy(target *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = otelhttp.NewTransport(http.DefaultTransport)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed", "upstream", target.Host, "path", r.URL.Path, "err", err)
		httpx.WriteError(w, r, apperr.Upstream(err, "%s unavailable", target.Host))
	}
	return proxy
}

func registerProxy(mux *http.ServeMux, prefix string, handler http.Handler) {
	if !strings.HasSuffix(prefix, "/") {
		mux.Handle(prefix, handler)
		mux.Handle(prefix+"/", handler)
		return
	}
	mux.Handle(prefix, handler)
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		panic("invalid upstream URL " + raw)
	}
	return u
}

// rateLimitKey charges authenticated callers by principal, so customers behind
// one NAT keep separate budgets, and everyone else by client address.
func rateLimitKey(verifier *auth.Verifier) httpx.KeyFunc {
	return func(r *http.Request) string {
		if claims, err := verifier.VerifyBearer(r.Header.Get("Authorization")); err == nil {
			return "principal:" + claims.Principal()
		}
		return "ip:" + httpx.ClientIP(r)
	}
}
