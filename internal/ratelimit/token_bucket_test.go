package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.Unix(1_700_000_000, 0)
	b := NewTokenBucket(client, capacity, refill, time.Minute)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := bucket.Allow(ctx, "tenant")
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: expected allowed got %+v err=%v", i, d, err)
		}
	}
	d, err := bucket.Allow(ctx, "tenant")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected retry-after within one refill period, got %s", d.RetryAfter)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	if d, _ := bucket.Allow(ctx, "tenant"); !d.Allowed {
		t.Fatalf("first call should pass")
	}
	if d, _ := bucket.Allow(ctx, "tenant"); d.Allowed {
		t.Fatalf("empty bucket should reject")
	}
	*clock = clock.Add(600 * time.Millisecond)
	if d, _ := bucket.Allow(ctx, "tenant"); !d.Allowed {
		t.Fatalf("expected refill after 600ms at 2 tokens/s")
	}
}

func TestTokenBucketTenantsIsolated(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0)

	if d, _ := bucket.Allow(ctx, "a"); !d.Allowed {
		t.Fatalf("tenant a first call should pass")
	}
	if d, _ := bucket.Allow(ctx, "b"); !d.Allowed {
		t.Fatalf("tenant b has its own bucket")
	}
	if d, _ := bucket.Allow(ctx, "a"); d.Allowed {
		t.Fatalf("tenant a should be exhausted")
	}
}
