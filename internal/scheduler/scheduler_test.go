package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-ops/internal/models"
	"listing-ops/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	ids     []int64
	listErr error
	pending map[int64]bool
	params  []store.CreateJobParams
}

func (f *fakeSource) ListingIDs(context.Context) ([]int64, error) {
	return f.ids, f.listErr
}

func (f *fakeSource) Submit(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	if f.pending == nil {
		f.pending = map[int64]bool{}
	}
	if p.DedupePending && f.pending[p.Entity.ID] {
		return models.Job{Type: p.Type}, false, nil
	}
	f.pending[p.Entity.ID] = true
	return models.Job{Type: p.Type, Entity: p.Entity}, true, nil
}

func TestIngestSweepEnqueuesEachListing(t *testing.T) {
	src := &fakeSource{ids: []int64{1, 2, 3}}
	s := New(src, Options{}, nil)

	n, err := s.IngestSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, src.params, 3)
	for i, p := range src.params {
		assert.Equal(t, models.JobIngest, p.Type)
		assert.True(t, p.DedupePending)
		assert.Equal(t, src.ids[i], p.Entity.ID)
	}
}

func TestIngestSweepUsesConfiguredAttempts(t *testing.T) {
	src := &fakeSource{ids: []int64{4}}
	_, err := New(src, Options{MaxAttempts: 9}, nil).IngestSweep(context.Background())
	require.NoError(t, err)
	require.Len(t, src.params, 1)
	assert.Equal(t, 9, src.params[0].MaxAttempts)
}

func TestIngestSweepDeduplicatesPending(t *testing.T) {
	src := &fakeSource{ids: []int64{1, 2}}
	s := New(src, Options{}, nil)

	_, err := s.IngestSweep(context.Background())
	require.NoError(t, err)
	n, err := s.IngestSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep should find both ingests still pending")
}

func TestIngestSweepListError(t *testing.T) {
	src := &fakeSource{listErr: errors.New("db down")}
	_, err := New(src, Options{}, nil).IngestSweep(context.Background())
	assert.Error(t, err)
}

func TestAddIngestSweepRejectsBadSpec(t *testing.T) {
	s := New(&fakeSource{}, Options{}, nil)
	assert.Error(t, s.AddIngestSweep("not a cron"))
	assert.NoError(t, s.AddIngestSweep("@every 1h"))
	assert.NoError(t, s.AddIngestSweep("*/5 * * * *"))
	s.Start()
	s.Stop()
}
