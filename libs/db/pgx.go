// Package db wraps the pgx pool shared by the Postgres storage drivers.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/md-rashed-zaman/inspectbook/libs/config"
)

const (
	codeUniqueViolation    = "23505"
	codeExclusionViolation = "23P01"
)

type Config struct {
	URL             string        `envconfig:"DATABASE_URL" required:"true"`
	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	MaxConnIdleTime time.Duration `envconfig:"DB_MAX_CONN_IDLE_TIME" default:"5m"`
	// ConnectTimeout bounds how long Open keeps retrying an unreachable server.
	ConnectTimeout time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"30s"`
	AutoMigrate    bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type Pool struct {
	*pgxpool.Pool
}

// Open connects and pings, retrying with backoff until cfg.ConnectTimeout so
// services can start alongside their database.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := pool.Ping(ctx)
		if err != nil && logger != nil {
			logger.Warn("database not reachable yet", "attempt", attempt, "err", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(cfg.ConnectTimeout))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database after %d attempts: %w", attempt, err)
	}
	return &Pool{Pool: pool}, nil
}

func (p *Pool) Close() {
	if p != nil && p.Pool != nil {
		p.Pool.Close()
	}
}

// WithTx runs fn in a transaction and commits when fn returns nil.
func (p *Pool) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplySchema runs idempotent DDL scripts in order inside one transaction.
// Replicas starting together serialize on an advisory lock.
func (p *Pool) ApplySchema(ctx context.Context, scripts ...string) error {
	return p.WithTx(ctx, func(tx pgx.Tx) error {
		if err := AdvisoryXactLockText(ctx, tx, "inspectbook:schema"); err != nil {
			return err
		}
		for i, script := range scripts {
			if _, err := tx.Exec(ctx, script); err != nil {
				return fmt.Errorf("schema script %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// AdvisoryXactLock blocks until the transaction-scoped lock (k1, k2) is held.
// It is released on commit or rollback.
func AdvisoryXactLock(ctx context.Context, tx pgx.Tx, k1, k2 int32) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, k1, k2)
	return err
}

// AdvisoryXactLockText hashes key into a transaction-scoped advisory lock.
func AdvisoryXactLockText(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

// IsUniqueViolation reports a unique violation, limited to constraint when it
// is not empty.
func IsUniqueViolation(err error, constraint string) bool {
	return violates(err, codeUniqueViolation, constraint)
}

// IsExclusionViolation reports an exclusion constraint violation, such as two
// active appointments overlapping in time.
func IsExclusionViolation(err error) bool {
	return violates(err, codeExclusionViolation, "")
}

func violates(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != code {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func ReadyCheck(pool *Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil || pool.Pool == nil {
			return errors.New("db not configured")
		}
		return pool.Ping(ctx)
	}
}
