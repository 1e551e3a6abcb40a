package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker uses session-level advisory locks. Each held key pins one
// pooled connection until Release, because pg advisory locks belong to the
// session that took them.
type PostgresLocker struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	conns map[int64]*pgxpool.Conn
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool, conns: make(map[int64]*pgxpool.Conn)}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	if _, held := l.conns[key]; held {
		// Non-reentrant: a second holder in this process loses like any other.
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	if _, held := l.conns[key]; held {
		l.mu.Unlock()
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key)
		conn.Release()
		return false, nil
	}
	l.conns[key] = conn
	l.mu.Unlock()
	return true, nil
}

func (l *PostgresLocker) Release(ctx context.Context, key int64) error {
	l.mu.Lock()
	conn, ok := l.conns[key]
	delete(l.conns, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	var released bool
	err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released)
	if err != nil {
		// The session state is unknown; drop the connection so the server
		// frees the lock when the backend exits.
		_ = conn.Conn().Close(ctx)
		conn.Release()
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	conn.Release()
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", key)
	}
	return nil
}
