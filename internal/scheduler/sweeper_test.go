package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troykelly/openclaw-projects-sub012/internal/guard"
	"github.com/troykelly/openclaw-projects-sub012/internal/jobs"
	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
	"github.com/troykelly/openclaw-projects-sub012/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newTestSweeper(t *testing.T, store *jobs.Store) *Sweeper {
	t.Helper()
	enq := NewEnqueuer(store, testutil.TestLogger())
	return NewSweeper(testDB, store, enq,
		guard.NewDedup(time.Minute), guard.NewRate(time.Minute, nil),
		SweeperConfig{DigestHour: 0}, testutil.TestLogger())
}

func digestRows(t *testing.T, key string) int {
	t.Helper()
	var n int
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM jobs WHERE kind = $1 AND idempotency_key = $2`,
		model.JobDigestDaily, key).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestDigestEnqueuedOncePerDay(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(testDB.Pool())
	s := newTestSweeper(t, store)

	now := time.Now()
	key := "digest:" + now.UTC().Format("2006-01-02")

	require.NoError(t, s.enqueueDigest(ctx, now))
	require.NoError(t, s.enqueueDigest(ctx, now))
	assert.Equal(t, 1, digestRows(t, key), "repeat ticks collapse onto one job")

	// Run the day's digest to completion; later ticks must not revive it
	// even though the pending-only unique index has let go of the key.
	claimed, err := store.Claim(ctx, "sweep-test", 10, time.Minute)
	require.NoError(t, err)
	var completed bool
	for _, j := range claimed {
		if j.Kind == model.JobDigestDaily && j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			require.NoError(t, store.Complete(ctx, j.ID, "sweep-test"))
			completed = true
		}
	}
	require.True(t, completed, "the digest job should be claimable")

	require.NoError(t, s.enqueueDigest(ctx, now))
	assert.Equal(t, 1, digestRows(t, key))

	// A restarted sweeper has no memory of the day; the store check
	// still stops the re-run.
	restarted := newTestSweeper(t, store)
	require.NoError(t, restarted.enqueueDigest(ctx, now))
	assert.Equal(t, 1, digestRows(t, key))
}

func TestDigestDisabledAndBeforeHour(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(testDB.Pool())
	enq := NewEnqueuer(store, testutil.TestLogger())

	disabled := NewSweeper(testDB, store, enq,
		guard.NewDedup(time.Minute), guard.NewRate(time.Minute, nil),
		SweeperConfig{DigestHour: -1}, testutil.TestLogger())
	now := time.Date(2026, 8, 26, 23, 0, 0, 0, time.UTC)
	require.NoError(t, disabled.enqueueDigest(ctx, now))
	assert.Zero(t, digestRows(t, "digest:2026-08-26"))

	late := NewSweeper(testDB, store, enq,
		guard.NewDedup(time.Minute), guard.NewRate(time.Minute, nil),
		SweeperConfig{DigestHour: 23}, testutil.TestLogger())
	early := time.Date(2026, 8, 27, 6, 0, 0, 0, time.UTC)
	require.NoError(t, late.enqueueDigest(ctx, early))
	assert.Zero(t, digestRows(t, "digest:2026-08-27"))
}
