package guard

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/storage"
	"github.com/troykelly/openclaw-projects-sub012/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

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

func TestDedupReserve(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Pool()
	d := NewDedup(10 * time.Minute)
	key := DedupKey("reminder", "a@example.com", "item-1")

	allowed, err := d.Reserve(ctx, pool, key)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = d.Reserve(ctx, pool, key)
	require.NoError(t, err)
	assert.False(t, allowed, "repeat inside the window is suppressed")

	// Other keys are unaffected.
	allowed, err = d.Reserve(ctx, pool, DedupKey("reminder", "b@example.com", "item-1"))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestDedupReserveTakesOverStaleEntry(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Pool()
	d := NewDedup(time.Second)
	key := DedupKey("nudge", "c@example.com", "item-2")

	allowed, err := d.Reserve(ctx, pool, key)
	require.NoError(t, err)
	require.True(t, allowed)

	// Backdate the entry past the window instead of sleeping.
	_, err = pool.Exec(ctx,
		"UPDATE dedup_entries SET created_at = now() - interval '5 seconds' WHERE key = $1", key)
	require.NoError(t, err)

	allowed, err = d.Reserve(ctx, pool, key)
	require.NoError(t, err)
	assert.True(t, allowed, "expired entries are claimed in place")

	purged, err := d.Purge(ctx, pool)
	require.NoError(t, err)
	assert.Zero(t, purged, "the taken-over entry is fresh again")
}

func TestRateReserveWindowBudget(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Pool()
	r := NewRate(time.Minute, map[string]int{model.ChannelWebhook: 2})
	now := time.Now()

	for i := 0; i < 2; i++ {
		allowed, retryIn, err := r.Reserve(ctx, pool, "d@example.com", model.ChannelWebhook, now)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Zero(t, retryIn)
	}

	allowed, retryIn, err := r.Reserve(ctx, pool, "d@example.com", model.ChannelWebhook, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryIn, time.Duration(0))
	assert.LessOrEqual(t, retryIn, time.Minute)

	// Budgets are scoped per recipient and per channel.
	allowed, _, err = r.Reserve(ctx, pool, "e@example.com", model.ChannelWebhook, now)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = r.Reserve(ctx, pool, "d@example.com", model.ChannelInApp, now)
	require.NoError(t, err)
	assert.True(t, allowed, "channels without a limit are unmetered")

	// The next window starts a fresh budget.
	allowed, _, err = r.Reserve(ctx, pool, "d@example.com", model.ChannelWebhook, now.Add(r.window))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRatePurgeCounters(t *testing.T) {
	ctx := context.Background()
	pool := testDB.Pool()
	r := NewRate(time.Second, map[string]int{model.ChannelWebhook: 1})

	_, _, err := r.Reserve(ctx, pool, "f@example.com", model.ChannelWebhook, time.Now())
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		"UPDATE rate_counters SET bucket_start = now() - interval '1 hour' WHERE recipient = 'f@example.com'")
	require.NoError(t, err)

	purged, err := r.PurgeCounters(ctx, pool)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))
}
