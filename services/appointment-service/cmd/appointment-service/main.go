package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/calendar"
	"github.com/md-rashed-zaman/inspectbook/libs/config"
	"github.com/md-rashed-zaman/inspectbook/libs/db"
	"github.com/md-rashed-zaman/inspectbook/libs/httpx"
	"github.com/md-rashed-zaman/inspectbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/inspectbook/libs/otel"
	"github.com/md-rashed-zaman/inspectbook/libs/outbox"
	"github.com/md-rashed-zaman/inspectbook/libs/runtime"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/booking"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/handlers"
	"github.com/md-rashed-zaman/inspectbook/services/appointment-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "appointment-service")
	port, err := config.Port("PORT", "8002")
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

	var calCfg calendar.Config
	if err := config.Load("", &calCfg); err != nil {
		panic(err)
	}
	cal, err := calendar.New(calCfg)
	if err != nil {
		panic(err)
	}

	var auditCfg audit.Config
	if err := config.Load("", &auditCfg); err != nil {
		panic(err)
	}
	sink, closeSink, err := audit.Open(auditCfg, logger)
	if err != nil {
		logger.Error("audit sink init failed; audit events disabled", "err", err)
		sink = audit.Nop{}
	}
	defer func() { _ = closeSink() }()

	checks := []runtime.ReadyCheck{}
	if amqpSink, ok := sink.(*audit.AMQPSink); ok {
		checks = append(checks, runtime.ReadyCheck{Name: "amqp", Check: amqpSink.ReadyCheck})
	}

	var store storage.Store
	switch driver := strings.ToLower(config.String("STORAGE_DRIVER", "postgres")); driver {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		store = storage.NewMemory(cal.SlotDuration())
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

		pg := storage.NewPostgres(pool, cal.SlotDuration())
		if dbCfg.AutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				logger.Error("schema migration failed", "err", err)
				panic(err)
			}
		}
		store = pg

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

	svc := booking.NewService(store, cal, audit.NewEmitter(service, sink), logger)
	verifier := auth.NewVerifier(config.FirstString("dev-secret", "JWT_SECRET", "JWT_SECRET_KEY"))

	mux := runtime.NewBaseMux(service, checks...)
	handlers.NewAppointmentHandler(svc, cal, logger).Register(mux, verifier)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "appointment")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.Serve(ctx, srv, logger, 10*time.Second, "working_hours", cal.WorkingHours(), "slot", cal.SlotDuration()); err != nil {
		logger.Error("http server error", "err", err)
	}
}
