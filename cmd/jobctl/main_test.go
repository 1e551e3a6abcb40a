package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-ops/internal/models"
)

func TestSubmitFlagsParams(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := submitFlags{
		jobType: "COMPUTE_FEATURES",
		listing: 9,
		input:   `{"reason":"manual"}`,
		delay:   30 * time.Second,
		dedupe:  true,
	}

	p, err := f.params(false, now)
	require.NoError(t, err)
	assert.Equal(t, models.JobComputeFeatures, p.Type)
	require.NotNil(t, p.Entity)
	assert.Equal(t, int64(9), p.Entity.ID)
	assert.Equal(t, "manual", p.Input["reason"])
	assert.Equal(t, now.Add(30*time.Second), p.RunAt)
	assert.Nil(t, p.Priority, "priority left to the per-type default")
	assert.True(t, p.DedupePending)

	f.priority = 0
	p, err = f.params(true, now)
	require.NoError(t, err)
	require.NotNil(t, p.Priority)
	assert.Equal(t, 0, *p.Priority)
}

func TestSubmitFlagsRejectsBadInput(t *testing.T) {
	now := time.Now()
	cases := map[string]submitFlags{
		"unknown type":     {jobType: "RESIZE", listing: 1},
		"missing listing":  {jobType: "INGEST"},
		"input not object": {jobType: "INGEST", listing: 1, input: `[1,2]`},
		"input not json":   {jobType: "INGEST", listing: 1, input: `{`},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.params(false, now)
			assert.Error(t, err)
		})
	}
}

func TestPublishInput(t *testing.T) {
	jt, input, err := publishInput(true, 19.99, false, 0, false)
	require.NoError(t, err)
	assert.Equal(t, models.JobPublishPrice, jt)
	assert.Equal(t, map[string]any{"price": 19.99}, input)

	jt, input, err = publishInput(false, 0, true, 0, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobPublishStock, jt)
	assert.Equal(t, map[string]any{"stock": 0, "force": true}, input)

	_, _, err = publishInput(true, 0, false, 0, false)
	assert.Error(t, err)
	_, _, err = publishInput(false, 0, true, -1, false)
	assert.Error(t, err)
	_, _, err = publishInput(true, 5, true, 1, false)
	assert.Error(t, err)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})
	for _, name := range []string{"migrate", "submit", "publish", "get", "list", "cancel", "sweep", "dlq"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestGetRequiresJobID(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"get"})
	assert.Error(t, root.Execute())
}
