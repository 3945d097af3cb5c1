package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockHeld is returned when another session holds the advisory lock.
var ErrLockHeld = errors.New("advisory lock is held by another instance")

// AdvisoryLock is a session-level advisory lock pinned to one pool connection.
type AdvisoryLock struct {
	id   int64
	conn *pgxpool.Conn
}

// TryAdvisoryLock takes the lock without waiting. The returned lock keeps its
// connection out of the pool until Release.
func TryAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, id int64) (*AdvisoryLock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, ErrLockHeld
	}

	slog.Info("advisory lock acquired", "lock_id", id)
	return &AdvisoryLock{id: id, conn: conn}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()

	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.id); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
