package dlq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newFeed(t *testing.T, maxLen int64) *Feed {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:dlq", maxLen)
}

func TestPushPeekNewestFirst(t *testing.T) {
	f := newFeed(t, 10)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := f.Push(ctx, Entry{JobID: fmt.Sprintf("job-%d", i), JobType: "INGEST", Attempts: 5, FailedAt: time.Now()})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	got, err := f.Peek(ctx, 2)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(got) != 2 || got[0].JobID != "job-3" || got[1].JobID != "job-2" {
		t.Fatalf("unexpected peek result: %+v", got)
	}
}

func TestPushCapsLength(t *testing.T) {
	f := newFeed(t, 2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := f.Push(ctx, Entry{JobID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	n, err := f.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
}
