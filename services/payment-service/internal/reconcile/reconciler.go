// Package reconcile restarts confirmation sagas that a crash, a shutdown or
// exhausted retries left unconverged.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/model"
	"github.com/md-rashed-zaman/inspectbook/services/payment-service/internal/storage"
)

type Config struct {
	Enabled    bool          `envconfig:"RECONCILE_ENABLED" default:"false"`
	Interval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	StaleAfter time.Duration `envconfig:"RECONCILE_STALE_AFTER" default:"2m"`
	BatchSize  int           `envconfig:"RECONCILE_BATCH_SIZE" default:"50"`
	LockKey    int64         `envconfig:"RECONCILE_LOCK_KEY" default:"4242003"`
}

// Starter launches the saga of a confirmed payment.
type Starter interface {
	StartConfirmation(ctx context.Context, p model.Payment) bool
}

// Leader decides which instance reconciles.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
	Release()
}

// Solo is the Leader of a single-instance deployment.
type Solo struct{}

func (Solo) TryLead(context.Context) (bool, error) { return true, nil }
func (Solo) Release()                              {}

type Reconciler struct {
	cfg     Config
	store   storage.Store
	starter Starter
	leader  Leader
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, store storage.Store, starter Starter, leader Leader, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if leader == nil {
		leader = Solo{}
	}
	return &Reconciler{cfg: cfg, store: store, starter: starter, leader: leader, logger: logger, now: time.Now}
}

// Run reconciles once at startup and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("reconcile scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconcile: pass failed", "err", err)
			}
		}),
		gocron.WithName("saga-reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("reconcile job: %w", err)
	}
	r.logger.Info("reconcile: scheduled", "interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)
	s.Start()

	<-ctx.Done()
	err = s.Shutdown()
	r.leader.Release()
	return err
}

// RunOnce restarts the saga of every unconverged payment and returns how many
// were started. A non-leader instance starts none.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	lead, err := r.leader.TryLead(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile leadership: %w", err)
	}
	if !lead {
		r.logger.Debug("reconcile: another instance leads")
		return 0, nil
	}

	now := r.now().UTC()
	pending, err := r.store.ListUnconverged(ctx, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unconverged payments: %w", err)
	}
	started := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		if err := r.store.SetConfirmationState(ctx, p.ID, model.ConfirmationPending, now); err != nil {
			r.logger.Warn("reconcile: state not reset", "payment_id", p.ID, "err", err)
			continue
		}
		p.ConfirmationState = model.ConfirmationPending
		if r.starter.StartConfirmation(ctx, p) {
			started++
		}
	}
	if len(pending) > 0 {
		r.logger.Info("reconcile: sagas restarted", "candidates", len(pending), "started", started)
	}
	return started, nil
}
