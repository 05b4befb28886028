package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/config"
	"github.com/md-rashed-zaman/inspectbook/libs/db"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	otelx "github.com/md-rashed-zaman/inspectbook/libs/otel"
	"github.com/md-rashed-zaman/inspectbook/libs/runtime"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/consumer"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/handlers"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/ingest"
	"github.com/md-rashed-zaman/inspectbook/services/audit-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "audit-service")
	port, err := config.Port("PORT", "8005")
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

	checks := []runtime.ReadyCheck{}
	var store storage.Store
	switch driver := strings.ToLower(config.String("STORAGE_DRIVER", "postgres")); driver {
	case "memory":
		logger.Warn("using in-memory storage; audit events are lost on restart")
		store = storage.NewMemory()
	case "postgres":
		dbCfg, err := db.LoadConfig()
		if err != nil {
			panic(err)
		}
		pool, err := db.Open(ctx, dbCfg, logger)
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		pg := storage.NewPostgres(pool)
		if dbCfg.AutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				logger.Error("schema migration failed", "err", err)
				panic(err)
			}
		}
		store = pg
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	default:
		panic("unknown STORAGE_DRIVER " + driver)
	}

	svc := ingest.NewService(store, logger)

	var consumerCfg consumer.Config
	if err := config.Load("", &consumerCfg); err != nil {
		panic(err)
	}
	if consumerCfg.URL != "" {
		c := consumer.New(consumerCfg, svc, logger)
		go func() {
			if err := c.Run(ctx); err != nil {
				logger.Error("audit consumer stopped", "err", err)
			}
		}()
	}

	mux := runtime.NewBaseMux(service, checks...)
	handlers.NewLogHandler(svc, logger).Register(mux, auth.NewVerifier(config.FirstString("dev-secret", "JWT_SECRET", "JWT_SECRET_KEY")))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(256<<10),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "audit")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.Serve(ctx, srv, logger, 10*time.Second, "amqp_consumer", consumerCfg.URL != ""); err != nil {
		logger.Error("http server error", "err", err)
	}
}
