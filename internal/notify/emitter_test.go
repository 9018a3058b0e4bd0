package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troykelly/openclaw-projects-sub012/internal/guard"
	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/outbox"
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

func newTestEmitter(t *testing.T) *Emitter {
	t.Helper()
	return NewEmitter(testDB, outbox.NewStore(testDB.Pool()),
		guard.NewDedup(time.Minute),
		guard.NewRate(time.Minute, map[string]int{model.ChannelWebhook: 100}),
		testutil.TestLogger())
}

func outboxChannel(t *testing.T, kind, key string) string {
	t.Helper()
	var channel string
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT coalesce(body->>'channel', '') FROM outbox_messages
		 WHERE kind = $1 AND idempotency_key = $2`, kind, key).Scan(&channel)
	require.NoError(t, err)
	return channel
}

func TestEmitDemotesToInAppDuringQuietHours(t *testing.T) {
	ctx := context.Background()
	recipient := "night-owl@example.com"

	start, end := 0, 24*60 // always quiet
	require.NoError(t, testDB.UpsertProfile(ctx, model.AgentProfile{
		Email: recipient, QuietStart: &start, QuietEnd: &end, Timezone: "UTC",
	}))

	e := newTestEmitter(t)
	res, err := e.Emit(ctx, Request{
		Kind:           model.JobReminderNotBefore,
		Destination:    model.HookAgent,
		Recipient:      recipient,
		Context:        map[string]any{"title": "water the plants"},
		IdempotencyKey: "quiet-normal-1",
		DedupGrouping:  "quiet-normal-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Emitted, "quiet hours demote, they do not drop")
	assert.Equal(t, model.ChannelInApp, res.Channel)
	assert.Equal(t, model.ChannelInApp,
		outboxChannel(t, model.JobReminderNotBefore, "quiet-normal-1"),
		"the gateway is told to hold the notification")

	// Urgent notifications pierce the window on their original channel.
	res, err = e.Emit(ctx, Request{
		Kind:           model.JobNudgeNotAfter,
		Destination:    model.HookWake,
		Recipient:      recipient,
		Urgency:        model.UrgencyUrgent,
		IdempotencyKey: "quiet-urgent-1",
		DedupGrouping:  "quiet-urgent-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Emitted)
	assert.Equal(t, model.ChannelWebhook, res.Channel)
	assert.Equal(t, model.ChannelWebhook,
		outboxChannel(t, model.JobNudgeNotAfter, "quiet-urgent-1"))
}

func TestEmitDeduplicates(t *testing.T) {
	ctx := context.Background()
	e := newTestEmitter(t)

	req := Request{
		Kind:           model.JobReminderNotBefore,
		Destination:    model.HookAgent,
		Recipient:      "dedup-target@example.com",
		IdempotencyKey: "dedup-emit-1",
		DedupGrouping:  "dedup-emit-1",
	}
	res, err := e.Emit(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Emitted)

	res, err = e.Emit(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Emitted)
	assert.Equal(t, SkipDuplicate, res.SkipReason)
}
