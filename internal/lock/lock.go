// Package lock serializes multi-step work against one entity across
// concurrently running jobs.
//
// A Locker hands out non-blocking, non-reentrant locks keyed by a 64-bit value.
// Acquisition never waits: callers that lose the race get ErrHeld and are
// expected to retry later (the worker re-queues the job). Locks are bound to
// the holder's session, so a crashed holder releases them when its
// connection, Redis TTL, or process goes away.
package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
)

var (
	// ErrHeld is returned when another execution currently holds the lock.
	ErrHeld = errors.New("entity lock held by another execution")
	// ErrUnavailable wraps backend failures while acquiring a lock.
	ErrUnavailable = errors.New("lock service unavailable")
)

// Locker is the session-scoped try-lock primitive.
type Locker interface {
	// TryAcquire takes the lock for key without waiting. It returns false
	// when another holder owns it.
	TryAcquire(ctx context.Context, key int64) (bool, error)
	// Release gives up a lock previously acquired by this Locker.
	Release(ctx context.Context, key int64) error
}

// Key derives a stable advisory key from its parts with FNV-1a.
func Key(parts ...string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(parts, ":")))
	return int64(h.Sum64())
}

// EntityKey is the lock key for one entity.
func EntityKey(entityType string, entityID int64) int64 {
	return Key("entity", entityType, strconv.FormatInt(entityID, 10))
}

// WithEntityLock runs fn while holding the lock for (entityType, entityID).
// It returns ErrHeld without running fn when the lock is taken.
func WithEntityLock(ctx context.Context, l Locker, entityType string, entityID int64, fn func(ctx context.Context) error) error {
	key := EntityKey(entityType, entityID)
	ok, err := l.TryAcquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire entity lock %s:%d: %w: %w", entityType, entityID, ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%s:%d: %w", entityType, entityID, ErrHeld)
	}
	defer func() {
		// Release on a fresh context so a cancelled job still unlocks.
		if err := l.Release(context.WithoutCancel(ctx), key); err != nil {
			slog.Error("release entity lock", "entity_type", entityType, "entity_id", entityID, "error", err)
		}
	}()
	return fn(ctx)
}
