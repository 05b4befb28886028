// Package saga drives a confirmed payment to its appointment. Each run is
// detached from the request that confirmed the payment, retries upstream
// failures with exponential backoff a bounded number of times, and reports the
// outcome to the audit trail. Retry state is not persisted: a process crash
// abandons the remaining attempts.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
	"github.com/md-rashed-zaman/inspectbook/libs/audit"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	otelx "github.com/md-rashed-zaman/inspectbook/libs/otel"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otelx.Tracer("inspectbook/payment-service/saga")

const (
	KindReservation   = model.TypeReservation
	KindInspectionFee = model.TypeInspectionFee
)

// Audit event names.
const (
	AuditAutoConfirmed        = "appointment.auto_confirmed"
	AuditInspectionPaidLinked = "appointment.inspection_payment_linked"
	AuditConfirmFailed        = "appointment.confirm_failed"
)

var ErrShuttingDown = errors.New("saga runner is shutting down")

// Config is loaded from SAGA_* variables and handed to New.
type Config struct {
	Attempts     int           `envconfig:"SAGA_ATTEMPTS" default:"3"`
	MinDelay     time.Duration `envconfig:"SAGA_MIN_DELAY" default:"2s"`
	MaxDelay     time.Duration `envconfig:"SAGA_MAX_DELAY" default:"10s"`
	CallTimeout  time.Duration `envconfig:"SAGA_CALL_TIMEOUT" default:"10s"`
	TokenTTL     time.Duration `envconfig:"SAGA_TOKEN_TTL"`
	DrainTimeout time.Duration `envconfig:"SAGA_DRAIN_TIMEOUT" default:"15s"`

	// Set by the caller, not the environment.
	ServiceName string `ignored:"true"`
	TokenSecret string `ignored:"true"`
}

func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		MinDelay:     2 * time.Second,
		MaxDelay:     10 * time.Second,
		CallTimeout:  10 * time.Second,
		DrainTimeout: 15 * time.Second,
		ServiceName:  "payment-service",
	}
}

// tokenTTL covers every attempt plus every wait, and at least a minute.
func (c Config) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	ttl := time.Duration(c.Attempts) * (c.CallTimeout + c.MaxDelay)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (c Config) validate() error {
	if c.Attempts <= 0 {
		return fmt.Errorf("saga attempts must be positive (got %d)", c.Attempts)
	}
	if c.MinDelay <= 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("saga delays must satisfy 0 < min (%s) <= max (%s)", c.MinDelay, c.MaxDelay)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("saga call timeout must be positive (got %s)", c.CallTimeout)
	}
	if c.TokenSecret == "" {
		return errors.New("saga token secret is required")
	}
	return nil
}

type Job struct {
	PaymentID     string
	AppointmentID string
	Kind          string
}

type Confirmer interface {
	Confirm(ctx context.Context, job Job, token string) error
}

// StateRecorder persists the saga outcome on the payment.
type StateRecorder interface {
	SetConfirmationState(ctx context.Context, paymentID, state string, at time.Time) error
}

// Runner owns the goroutines of all in-flight sagas. Shutdown drains them until
// its context expires and then abandons the rest.
type Runner struct {
	cfg       Config
	confirmer Confirmer
	states    StateRecorder
	audit     *audit.Emitter
	logger    *slog.Logger
	now       func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, confirmer Confirmer, states StateRecorder, emitter *audit.Emitter, logger *slog.Logger) (*Runner, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "payment-service"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:       cfg,
		confirmer: confirmer,
		states:    states,
		audit:     emitter,
		logger:    logger,
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		inflight:  map[string]struct{}{},
	}, nil
}

// Start launches the saga for job and returns at once. parent only contributes
// its trace and request values; its cancellation does not reach the saga.
// Start reports false when the runner is shutting down or a saga for the same
// payment is already running in this process.
func (r *Runner) Start(parent context.Context, job Job) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("saga not started", "payment_id", job.PaymentID, "err", ErrShuttingDown)
		return false
	}
	if _, busy := r.inflight[job.PaymentID]; busy {
		r.mu.Unlock()
		r.logger.Info("saga already running", "payment_id", job.PaymentID)
		return false
	}
	r.inflight[job.PaymentID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	ctx, stop := mergeCancel(otelx.DetachedContext(parent), r.base)
	go func() {
		defer r.wg.Done()
		defer stop()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, job.PaymentID)
			r.mu.Unlock()
		}()
		r.run(ctx, job)
	}()
	return true
}

// Shutdown stops accepting sagas and waits for the running ones. When ctx
// expires first, the remaining sagas are cancelled and left unconverged for
// the reconciler; Shutdown still waits for their goroutines to return.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return fmt.Errorf("saga drain: %w", ctx.Err())
	}
}

// run executes one saga on the calling goroutine.
func (r *Runner) run(ctx context.Context, job Job) {
	logger := r.logger.With("payment_id", job.PaymentID, "appointment_id", job.AppointmentID, "kind", job.Kind)
	started := r.now()
	ctx, span := tracer.Start(ctx, "saga.confirm_appointment", trace.WithAttributes(
		attribute.String("payment.id", job.PaymentID),
		attribute.String("appointment.id", job.AppointmentID),
		attribute.String("payment.type", job.Kind),
	))
	defer span.End()

	attempts, err := r.confirm(ctx, job, logger)
	span.SetAttributes(attribute.Int("saga.attempts", attempts))
	if err == nil {
		r.recordState(ctx, job, model.ConfirmationConverged, logger)
		event, msg := AuditAutoConfirmed, "Appointment "+job.AppointmentID+" auto-confirmed after payment "+job.PaymentID
		if job.Kind == KindInspectionFee {
			event, msg = AuditInspectionPaidLinked, "Inspection payment "+job.PaymentID+" linked to appointment "+job.AppointmentID
		}
		r.audit.Info(ctx, event, msg, map[string]any{
			"appointment_id": job.AppointmentID,
			"payment_id":     job.PaymentID,
			"attempts":       attempts,
		})
		logger.Info("saga converged", "attempts", attempts, "elapsed", r.now().Sub(started))
		return
	}

	span.RecordError(err)
	if r.base.Err() != nil {
		// Abandoned at shutdown: the payment keeps confirmation_state=pending.
		span.SetStatus(codes.Error, "abandoned at shutdown")
		logger.Warn("saga abandoned", "attempts", attempts, "err", err)
		return
	}
	span.SetStatus(codes.Error, "confirmation failed")

	r.recordState(ctx, job, failedState(err), logger)
	r.audit.Error(ctx, AuditConfirmFailed, fmt.Sprintf("Failed to confirm appointment %s: %v", job.AppointmentID, err), map[string]any{
		"appointment_id": job.AppointmentID,
		"payment_id":     job.PaymentID,
		"attempts":       attempts,
		"kind":           string(apperr.KindOf(err)),
	})
	logger.Error("saga failed", "attempts", attempts, "err", err)
}

func (r *Runner) confirm(ctx context.Context, job Job, logger *slog.Logger) (int, error) {
	token, err := auth.MintServiceToken(r.cfg.TokenSecret, r.cfg.ServiceName, r.cfg.tokenTTL(), r.now())
	if err != nil {
		return 0, fmt.Errorf("mint service token: %w", err)
	}

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		err := r.confirmer.Confirm(callCtx, job, token)
		switch {
		case err == nil:
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(err)
		case !apperr.Is(err, apperr.KindUpstreamUnavailable):
			// A definitive answer from the appointment service will not change on retry.
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Warn("saga attempt failed", "attempt", attempts, "err", err)
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     r.cfg.MinDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         r.cfg.MaxDelay,
		}),
		backoff.WithMaxTries(uint(r.cfg.Attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return attempts, unwrapPermanent(err)
}

// failedState tells a saga the reconciler may retry from one the appointment
// service refused for good.
func failedState(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindUpstreamUnavailable, apperr.KindInternal:
		return model.ConfirmationFailed
	default:
		return model.ConfirmationRejected
	}
}

func (r *Runner) recordState(ctx context.Context, job Job, state string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.states.SetConfirmationState(ctx, job.PaymentID, state, r.now()); err != nil {
		logger.Warn("saga state not recorded", "state", state, "err", err)
	}
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// mergeCancel returns a context carrying the values of values that is
// cancelled when cancelWith is.
func mergeCancel(values, cancelWith context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(values)
	stop := context.AfterFunc(cancelWith, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
