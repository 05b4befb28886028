package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/md-rashed-zaman/inspectbook/libs/db"
)

// PostgresLeader holds a session advisory lock on a dedicated connection. The
// lock lasts as long as that connection, so a crashed leader frees it.
type PostgresLeader struct {
	pool   *db.Pool
	key    int64
	logger *slog.Logger

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewPostgresLeader(pool *db.Pool, key int64, logger *slog.Logger) *PostgresLeader {
	return &PostgresLeader{pool: pool, key: key, logger: logger}
}

func (l *PostgresLeader) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.logger.Warn("reconcile: leader connection lost", "lock_key", l.key)
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&locked); err != nil {
		conn.Release()
		return false, err
	}
	if !locked {
		conn.Release()
		return false, nil
	}
	l.logger.Info("reconcile: advisory lock acquired", "lock_key", l.key)
	l.conn = conn
	return true, nil
}

func (l *PostgresLeader) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
}
