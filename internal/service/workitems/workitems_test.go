package workitems

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troykelly/openclaw-projects-sub012/internal/jobs"
	"github.com/troykelly/openclaw-projects-sub012/internal/model"
	"github.com/troykelly/openclaw-projects-sub012/internal/scheduler"
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

func newService(t *testing.T) *Service {
	t.Helper()
	store := jobs.NewStore(testDB.Pool())
	enq := scheduler.NewEnqueuer(store, testutil.TestLogger())
	return NewService(testDB, enq, testutil.TestLogger())
}

// pendingKeys returns the pending idempotency keys for a kind.
func pendingKeys(t *testing.T, kind string) []string {
	t.Helper()
	rows, err := testDB.Pool().Query(context.Background(),
		`SELECT idempotency_key FROM jobs
		 WHERE kind = $1 AND completed_at IS NULL AND idempotency_key IS NOT NULL
		 ORDER BY idempotency_key`, kind)
	require.NoError(t, err)
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		require.NoError(t, rows.Scan(&k))
		keys = append(keys, k)
	}
	require.NoError(t, rows.Err())
	return keys
}

func TestCreateEnqueuesDateJobs(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	notBefore := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	notAfter := notBefore.Add(48 * time.Hour)

	item, err := svc.Create(ctx, model.WorkItem{
		Title: "Quarterly report", Kind: model.KindTask, Status: model.StatusOpen,
		NotBefore: &notBefore, NotAfter: &notAfter,
	})
	require.NoError(t, err)

	reminders := pendingKeys(t, model.JobReminderNotBefore)
	assert.Contains(t, reminders, scheduler.ReminderKey(item.ID, notBefore))
	nudges := pendingKeys(t, model.JobNudgeNotAfter)
	assert.Contains(t, nudges, scheduler.NudgeKey(item.ID, notAfter))
}

func TestUpdateMovesDateJob(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	notBefore := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	item, err := svc.Create(ctx, model.WorkItem{
		Title: "Movable", Kind: model.KindTask, Status: model.StatusOpen,
		NotBefore: &notBefore,
	})
	require.NoError(t, err)
	oldKey := scheduler.ReminderKey(item.ID, notBefore)

	moved := notBefore.Add(72 * time.Hour)
	item.NotBefore = &moved
	item, err = svc.Update(ctx, item)
	require.NoError(t, err)

	keys := pendingKeys(t, model.JobReminderNotBefore)
	assert.NotContains(t, keys, oldKey, "the stale job is retracted")
	assert.Contains(t, keys, scheduler.ReminderKey(item.ID, moved))

	// Marking the item done retracts the remaining job.
	item.Status = model.StatusDone
	item, err = svc.Update(ctx, item)
	require.NoError(t, err)
	assert.NotContains(t, pendingKeys(t, model.JobReminderNotBefore),
		scheduler.ReminderKey(item.ID, moved))
}

func TestSoftDeleteRetractsJobs(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	notAfter := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	item, err := svc.Create(ctx, model.WorkItem{
		Title: "Doomed", Kind: model.KindTask, Status: model.StatusOpen,
		NotAfter: &notAfter,
	})
	require.NoError(t, err)
	key := scheduler.NudgeKey(item.ID, notAfter)
	require.Contains(t, pendingKeys(t, model.JobNudgeNotAfter), key)

	require.NoError(t, svc.SoftDelete(ctx, item.ID))
	assert.NotContains(t, pendingKeys(t, model.JobNudgeNotAfter), key)

	got, err := svc.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestHardDeleteRetractsJobs(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	notBefore := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	item, err := svc.Create(ctx, model.WorkItem{
		Title: "Purged", Kind: model.KindTask, Status: model.StatusOpen,
		NotBefore: &notBefore,
	})
	require.NoError(t, err)
	key := scheduler.ReminderKey(item.ID, notBefore)
	require.Contains(t, pendingKeys(t, model.JobReminderNotBefore), key)

	require.NoError(t, svc.HardDelete(ctx, item.ID))
	assert.NotContains(t, pendingKeys(t, model.JobReminderNotBefore), key)

	_, err = svc.Get(ctx, item.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
