package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/config"
	"github.com/md-rashed-zaman/inspectbook/libs/db"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	"github.com/md-rashed-zaman/inspectbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/inspectbook/libs/otel"
	"github.com/md-rashed-zaman/inspectbook/libs/outbox"
	"github.com/md-rashed-zaman/inspectbook/libs/runtime"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/handlers"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/payments"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/reconcile"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/saga"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "payment-service")
	port, err := config.Port("PORT", "8003")
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

	var (
		sagaCfg      saga.Config
		paymentCfg   payments.Config
		auditCfg     audit.Config
		reconcileCfg reconcile.Config
	)
	for _, spec := range []any{&sagaCfg, &paymentCfg, &auditCfg, &reconcileCfg} {
		if err := config.Load("", spec); err != nil {
			panic(err)
		}
	}
	jwtSecret := config.FirstString("dev-secret", "JWT_SECRET", "JWT_SECRET_KEY")
	sagaCfg.ServiceName = service
	sagaCfg.TokenSecret = jwtSecret

	sink, closeSink, err := audit.Open(auditCfg, logger)
	if err != nil {
		logger.Error("audit sink init failed; audit events disabled", "err", err)
		sink = audit.Nop{}
	}
	defer func() { _ = closeSink() }()
	emitter := audit.NewEmitter(service, sink)

	checks := []runtime.ReadyCheck{}
	if amqpSink, ok := sink.(*audit.AMQPSink); ok {
		checks = append(checks, runtime.ReadyCheck{Name: "amqp", Check: amqpSink.ReadyCheck})
	}

	var (
		store  storage.Store
		leader reconcile.Leader = reconcile.Solo{}
	)
	switch driver := strings.ToLower(config.String("STORAGE_DRIVER", "postgres")); driver {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
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
		leader = reconcile.NewPostgresLeader(pool, reconcileCfg.LockKey, logger)

		brokers := config.String("KAFKA_BROKERS", "")
		publisher := outbox.NewPublisher(pool, logger, outbox.PublisherConfig{
			Brokers:     brokers,
			Producer:    service,
			TopicPrefix: config.String("KAFKA_TOPIC_PREFIX", ""),
			PollEvery:   config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize:   config.Int("OUTBOX_BATCH_SIZE", 50),
		})
		go publisher.Run(ctx)

		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
		if brokers != "" {
			checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		}
	default:
		panic("unknown STORAGE_DRIVER " + driver)
	}

	appointmentURL := config.String("APPOINTMENT_SERVICE_URL", "http://appointment-service:8002")
	// Per-attempt deadlines come from the saga context.
	confirmer := saga.NewAppointmentClient(appointmentURL, httpx.NewClient(0))
	runner, err := saga.New(sagaCfg, confirmer, store, emitter, logger)
	if err != nil {
		panic(err)
	}

	svc := payments.NewService(paymentCfg, store, runner, emitter, logger)

	if reconcileCfg.Enabled {
		rec := reconcile.New(reconcileCfg, store, svc, leader, logger)
		go func() {
			if err := rec.Run(ctx); err != nil {
				logger.Error("reconciler stopped", "err", err)
			}
		}()
	}

	mux := runtime.NewBaseMux(service, checks...)
	handlers.NewPaymentHandler(svc, store, logger, handlers.Config{
		ConfirmSecret:                 config.String("PAYMENT_CONFIRM_SECRET", ""),
		StripeWebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookToleranceSeconds: config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300),
	}).Register(mux, auth.NewVerifier(jwtSecret))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "payment")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.Serve(ctx, srv, logger, 10*time.Second, "appointment_service", appointmentURL, "saga_attempts", sagaCfg.Attempts); err != nil {
		logger.Error("http server error", "err", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), sagaCfg.DrainTimeout)
	defer cancelDrain()
	if err := runner.Shutdown(drainCtx); err != nil {
		logger.Warn("sagas abandoned at shutdown", "err", err)
	}
}
