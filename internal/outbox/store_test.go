package outbox

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

func resetOutbox(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(), "TRUNCATE outbox_messages")
	require.NoError(t, err)
}

func intp(n int) *int { return &n }

func testBody(kind string) model.HookBody {
	return model.HookBody{Kind: kind, Context: map[string]any{"x": "y"}, OccurredAt: time.Now().UTC()}
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	resetOutbox(t)
	ctx := context.Background()
	store := NewStore(testDB.Pool())

	inserted, err := store.Enqueue(ctx, testDB.Pool(), "reminder", model.HookAgent, "a@example.com", testBody("reminder"), "k1")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Enqueue(ctx, testDB.Pool(), "reminder", model.HookAgent, "a@example.com", testBody("reminder"), "k1")
	require.NoError(t, err)
	assert.False(t, inserted, "repeat key is a no-op")

	inserted, err = store.Enqueue(ctx, testDB.Pool(), "nudge", model.HookWake, "a@example.com", testBody("nudge"), "k1")
	require.NoError(t, err)
	assert.True(t, inserted, "same key under another kind is distinct")

	depth, err := store.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestClaimBatchLocksRows(t *testing.T) {
	resetOutbox(t)
	ctx := context.Background()
	store := NewStore(testDB.Pool())

	_, err := store.Enqueue(ctx, testDB.Pool(), "reminder", model.HookAgent, "a@example.com", testBody("reminder"), "c1")
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, testDB.Pool(), "reminder", model.HookAgent, "b@example.com", testBody("reminder"), "c2")
	require.NoError(t, err)

	first, err := store.claimBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	// Rows stay locked until the window lapses.
	second, err := store.claimBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestDeliveryStateTransitions(t *testing.T) {
	resetOutbox(t)
	ctx := context.Background()
	store := NewStore(testDB.Pool())

	_, err := store.Enqueue(ctx, testDB.Pool(), "reminder", model.HookAgent, "a@example.com", testBody("reminder"), "s1")
	require.NoError(t, err)
	msgs, err := store.claimBatch(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msg := msgs[0]

	require.NoError(t, store.markRetry(ctx, msg.ID, intp(503), "upstream unavailable", time.Hour))
	got, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.DeliveredAt)
	assert.False(t, got.DeadLetter)
	require.NotNil(t, got.LastStatus)
	assert.Equal(t, 503, *got.LastStatus)
	assert.True(t, got.NextAttemptAt.After(time.Now().Add(30*time.Minute)))

	require.NoError(t, store.markDelivered(ctx, msg.ID, 200))
	got, err = store.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, 200, *got.LastStatus)
	assert.Nil(t, got.LastError)

	// Delivered rows are settled; a late dead-letter is refused.
	require.NoError(t, store.markDeadLetter(ctx, msg.ID, intp(404), "gone"))
	got, err = store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, got.DeadLetter)
}

func TestDeadLetterIsTerminal(t *testing.T) {
	resetOutbox(t)
	ctx := context.Background()
	store := NewStore(testDB.Pool())

	_, err := store.Enqueue(ctx, testDB.Pool(), "reminder", model.HookAgent, "a@example.com", testBody("reminder"), "dl1")
	require.NoError(t, err)
	msgs, err := store.claimBatch(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, store.markDeadLetter(ctx, msgs[0].ID, intp(404), "endpoint rejects the kind"))

	dead, err := store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, msgs[0].ID, dead[0].ID)

	// Dead-lettered rows never come back through the claim path.
	again, err := store.claimBatch(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	depth, err := store.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRecentByRecipientGroups(t *testing.T) {
	resetOutbox(t)
	ctx := context.Background()
	store := NewStore(testDB.Pool())
	pool := testDB.Pool()

	_, err := store.Enqueue(ctx, pool, "reminder", model.HookAgent, "a@example.com", testBody("reminder"), "r1")
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, pool, "nudge", model.HookWake, "a@example.com", testBody("nudge"), "r2")
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, pool, "reminder", model.HookAgent, "b@example.com", testBody("reminder"), "r3")
	require.NoError(t, err)
	// Recipient-less system rows and foreign kinds stay out of digests.
	_, err = store.Enqueue(ctx, pool, "dead_letter.job", model.HookAgent, "", testBody("dead_letter.job"), "r4")
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, pool, "digest", model.HookAgent, "a@example.com", testBody("digest"), "r5")
	require.NoError(t, err)

	grouped, err := store.RecentByRecipient(ctx, time.Now().Add(-time.Hour), []string{"reminder", "nudge"})
	require.NoError(t, err)
	require.Len(t, grouped, 2)
	assert.Len(t, grouped["a@example.com"], 2)
	assert.Len(t, grouped["b@example.com"], 1)
}
