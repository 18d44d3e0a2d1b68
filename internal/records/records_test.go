package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schemaline/internal/config"
	"schemaline/internal/domain"
	"schemaline/internal/platform/platformtest"
)

func TestFetchAllPagesByID(t *testing.T) {
	cases := []struct {
		name     string
		records  int
		requests int
	}{
		{name: "empty", records: 0, requests: 1},
		{name: "short", records: 3, requests: 1},
		{name: "uneven", records: 1203, requests: 3},
		{name: "exact multiple", records: 1000, requests: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := platformtest.New()
			fake.SeedRecords("1", tc.records)
			got, err := FetchAll(context.Background(), fake, "1", "")
			require.NoError(t, err)
			require.Len(t, got, tc.records)
			require.Equal(t, tc.requests, fake.CallCount("GetRecords"))

			seen := map[int64]bool{}
			var prev int64
			for _, r := range got {
				id, err := r.ID()
				require.NoError(t, err)
				require.False(t, seen[id], "duplicate $id %d", id)
				require.Greater(t, id, prev)
				seen[id] = true
				prev = id
			}
		})
	}
}

type failingReader struct {
	calls  int
	failOn int
}

func (f *failingReader) GetRecords(ctx context.Context, app, query string) ([]domain.Record, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("connection reset")
	}
	page := make([]domain.Record, 0, 500)
	for i := 1; i <= 500; i++ {
		page = append(page, domain.Record{"$id": map[string]any{"value": float64((f.calls-1)*500 + i)}})
	}
	return page, nil
}

func TestFetchAllDiscardsPartialResults(t *testing.T) {
	reader := &failingReader{failOn: 2}
	got, err := FetchAll(context.Background(), reader, "1", "")
	require.Error(t, err)
	require.Nil(t, got)
	require.Equal(t, 2, reader.calls)
}

func TestCursorQuery(t *testing.T) {
	require.Equal(t, "$id > 0 order by $id asc limit 500", CursorQuery("", 0, 500))
	require.Equal(t, `(status in ("open")) and $id > 42 order by $id asc limit 500`, CursorQuery(` status in ("open") `, 42, 500))
}

func TestBackupWritesArtifact(t *testing.T) {
	workspace := t.TempDir()
	fake := platformtest.New()
	fake.SeedRecords("7", 12)
	at := time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)
	b := Backuper{API: fake, Store: Store{Workspace: workspace}, Now: func() time.Time { return at }}

	res, err := b.Backup(context.Background(), BackupRequest{
		AppName: "orders", AppID: "7", Environment: "prod", BaseURL: "https://prod.example", Query: `title != ""`, Reason: ReasonPreDeploy,
	})
	require.NoError(t, err)
	require.Equal(t, 12, res.Records)
	require.Contains(t, res.Path, "backup-prod-2026-03-04T05-06-07-890Z.json")

	loaded, err := b.Store.Load(res.Path)
	require.NoError(t, err)
	require.Equal(t, "orders", loaded.Metadata.AppName)
	require.Equal(t, "7", loaded.Metadata.AppID)
	require.Equal(t, 12, loaded.Metadata.TotalRecords)
	require.Equal(t, ReasonPreDeploy, loaded.Metadata.Reason)
	require.Equal(t, `title != ""`, loaded.Metadata.Query)
	require.Len(t, loaded.Records, 12)
	require.Equal(t, `(title != "") and $id > 0 order by $id asc limit 500`, fake.Queries[0])
}

func TestBackupQueryNarrowsRecords(t *testing.T) {
	fake := platformtest.New()
	fake.SeedRecords("7", 30)
	b := Backuper{API: fake, Store: Store{Workspace: t.TempDir()}}

	res, err := b.Backup(context.Background(), BackupRequest{
		AppName: "orders", AppID: "7", Environment: "dev", Query: `title = "row-17"`,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Records)

	loaded, err := b.Store.Load(res.Path)
	require.NoError(t, err)
	require.Len(t, loaded.Records, 1)
	title := loaded.Records[0]["title"].(map[string]any)["value"]
	require.Equal(t, "row-17", title)
	require.Len(t, fake.Queries, 1)
	require.Contains(t, fake.Queries[0], `(title = "row-17") and $id > 0`)
}

func TestBackupOfEmptyAppWritesNothing(t *testing.T) {
	workspace := t.TempDir()
	b := Backuper{API: platformtest.New(), Store: Store{Workspace: workspace}}
	res, err := b.Backup(context.Background(), BackupRequest{AppName: "orders", AppID: "7", Environment: "dev"})
	require.NoError(t, err)
	require.Empty(t, res.Path)
	entries, err := b.Store.List("orders", "")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestListNewestFirst(t *testing.T) {
	workspace := t.TempDir()
	fake := platformtest.New()
	fake.SeedRecords("7", 2)
	store := Store{Workspace: workspace}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, env := range []string{"dev", "prod", "dev"} {
		at := base.Add(time.Duration(i) * time.Hour)
		b := Backuper{API: fake, Store: store, Now: func() time.Time { return at }}
		_, err := b.Backup(context.Background(), BackupRequest{AppName: "orders", AppID: "7", Environment: env})
		require.NoError(t, err)
	}

	all, err := store.List("orders", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "dev", all[0].Metadata.Environment)
	require.Equal(t, "prod", all[1].Metadata.Environment)

	latest, err := store.Latest("orders", "dev")
	require.NoError(t, err)
	require.Equal(t, all[0].Path, latest.Path)

	_, err = store.Latest("orders", "staging")
	require.ErrorIs(t, err, ErrNoBackups)
}

func TestRestoreBatchesAndStripsSystemFields(t *testing.T) {
	source := platformtest.New()
	source.SeedRecords("1", 250)
	recs, err := FetchAll(context.Background(), source, "1", "")
	require.NoError(t, err)

	target := platformtest.New()
	r := Restorer{API: target, SystemFields: config.Default("test").Rules.SystemFields}
	added, err := r.Restore(context.Background(), "2", recs)
	require.NoError(t, err)
	require.Equal(t, 250, added)
	require.Equal(t, 3, target.CallCount("AddRecords"))

	stored := target.App("2").Records
	require.Len(t, stored, 250)
	for _, rec := range stored {
		require.NotContains(t, rec, "RECORD_NUMBER")
		require.NotContains(t, rec, "$revision")
		require.Contains(t, rec, "title")
	}
}

func TestRestoreStopsOnError(t *testing.T) {
	target := platformtest.New()
	target.Errors["AddRecords"] = errors.New("quota exceeded")
	r := Restorer{API: target}
	added, err := r.Restore(context.Background(), "2", []domain.Record{{"title": map[string]any{"value": "x"}}})
	require.Error(t, err)
	require.Zero(t, added)
}
