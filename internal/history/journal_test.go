package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schemaline/internal/domain"
	"schemaline/internal/migrate"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestStartFinishRun(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	j.Now = func() time.Time { return clock }

	run, err := j.Start(ctx, domain.DeployRun{
		AppName: "orders", AppID: "12", FromEnv: "dev", ToEnv: "prod",
		Summary: domain.PlanSummary{FieldsAdded: 2, LayoutChanged: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	require.Equal(t, domain.RunRunning, run.Status)

	clock = clock.Add(time.Minute)
	done, err := j.Finish(ctx, run.ID, domain.RunSucceeded, "", "/tmp/backup.json")
	require.NoError(t, err)
	require.Equal(t, domain.RunSucceeded, done.Status)
	require.Equal(t, "/tmp/backup.json", done.BackupPath)
	require.Equal(t, 2, done.Summary.FieldsAdded)
	require.True(t, done.Summary.LayoutChanged)
	require.NotNil(t, done.FinishedAt)
	require.Equal(t, "2026-05-01T09:01:00Z", *done.FinishedAt)
}

func TestFinishUnknownRun(t *testing.T) {
	j := newTestJournal(t)
	_, err := j.Finish(context.Background(), "missing", domain.RunFailed, "boom", "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = j.Finish(context.Background(), "missing", domain.RunRunning, "", "")
	require.Error(t, err)
}

func TestListNewestFirstAndFilter(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	j.Now = func() time.Time { return clock }
	for _, app := range []string{"orders", "customers", "orders"} {
		_, err := j.Start(ctx, domain.DeployRun{AppName: app, AppID: "1", FromEnv: "dev", ToEnv: "prod"})
		require.NoError(t, err)
		clock = clock.Add(time.Hour)
	}
	all, err := j.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "orders", all[0].AppName)
	require.Equal(t, "customers", all[1].AppName)

	orders, err := j.List(ctx, ListFilter{App: "orders", Limit: 1})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, all[0].ID, orders[0].ID)
}

func TestFetchLog(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	_, err := j.LastFetch(ctx, "orders", "dev")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, j.RecordFetch(ctx, Fetch{AppName: "orders", AppID: "1", Environment: "dev", Path: "a", Fields: 3, Views: 1}))
	require.NoError(t, j.RecordFetch(ctx, Fetch{AppName: "orders", AppID: "1", Environment: "dev", Path: "b", Fields: 4, Views: 1}))
	last, err := j.LastFetch(ctx, "orders", "dev")
	require.NoError(t, err)
	require.Equal(t, "b", last.Path)
	require.Equal(t, 4, last.Fields)

	fetches, err := j.ListFetches(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, fetches, 2)
}

func TestMigrateIsRepeatable(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, j.DB))
	v, err := migrate.Version(ctx, j.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	require.Equal(t, latest, v)
}
