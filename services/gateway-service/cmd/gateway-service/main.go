package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/config"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	otelx "github.com/md-rashed-zaman/inspectbook/libs/otel"
	"github.com/md-rashed-zaman/inspectbook/libs/runtime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "gateway-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelCfg, err := otelx.LoadConfig(service)
	if err != nil {
		panic(err)
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	mux := runtime.NewBaseMux(service)
	verifier := auth.NewVerifier(config.FirstString("dev-secret", "JWT_SECRET", "JWT_SECRET_KEY"))
	registerRoutes(mux, upstreams{
		Appointments: mustParseURL(config.String("APPOINTMENT_SERVICE_URL", "http://appointment-service:8002")),
		Payments:     mustParseURL(config.String("PAYMENT_SERVICE_URL", "http://payment-service:8003")),
		Audit:        mustParseURL(config.String("AUDIT_SERVICE_URL", "http://audit-service:8005")),
	}, verifier, logger)

	bodyLimit := int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))
	requestTimeout := config.Duration("REQUEST_TIMEOUT", 15*time.Second)

	quota := httpx.Quota{Limit: config.Int("RATE_LIMIT_PER_MINUTE", 60), Window: time.Minute}
	var limiter httpx.Limiter
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
		limiter = httpx.NewRedisLimiter(rdb, quota, config.String("RATE_LIMIT_PREFIX", "rl"))
		logger.Info("rate limiting enabled (redis)", "per_minute", quota.Limit, "redis_addr", addr)
	} else {
		limiter = httpx.NewMemoryLimiter(quota)
		logger.Info("rate limiting enabled (in-memory)", "per_minute", quota.Limit)
	}
	rateLimitMW := httpx.WithRateLimit(limiter, rateLimitKey(verifier), logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods:   config.List("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders:   config.List("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,Idempotency-Key,X-Confirm-Secret"),
			ExposedHeaders:   []string{httpx.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(bodyLimit),
		httpx.WithTimeout(requestTimeout),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "gateway")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.Serve(ctx, srv, logger, 10*time.Second); err != nil {
		logger.Error("http server error", "err", err)
	}
}
