// Package dlq mirrors terminally failed jobs into a Redis list for
// operators. The jobs table stays authoritative; this is a monitoring feed.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one dead-lettered job.
type Entry struct {
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Entity     string    `json:"entity,omitempty"`
	Attempts   int       `json:"attempts"`
	ErrorClass string    `json:"error_class"`
	Message    string    `json:"message"`
	FailedAt   time.Time `json:"failed_at"`
}

// Feed is a capped Redis list of dead-letter entries, newest first.
type Feed struct {
	client *redis.Client
	key    string
	max    int64
}

// New builds a feed on key. maxLen caps the list; zero keeps 1000 entries.
func New(client *redis.Client, key string, maxLen int64) *Feed {
	if key == "" {
		key = "listing-ops:dlq"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Feed{client: client, key: key, max: maxLen}
}

// Push records a failed job.
func (f *Feed) Push(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, f.key, raw)
	pipe.LTrim(ctx, f.key, 0, f.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq push: %w", err)
	}
	return nil
}

// Peek reads up to count of the most recent entries.
func (f *Feed) Peek(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 50
	}
	raws, err := f.client.LRange(ctx, f.key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq peek: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the number of retained entries.
func (f *Feed) Len(ctx context.Context) (int64, error) {
	n, err := f.client.LLen(ctx, f.key).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq len: %w", err)
	}
	return n, nil
}
