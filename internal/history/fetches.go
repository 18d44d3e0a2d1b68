package history

import (
	"context"
	"database/sql"
	"errors"
)

// Fetch is one snapshot download.
type Fetch struct {
	ID          int64  `json:"id"`
	AppName     string `json:"app_name"`
	AppID       string `json:"app_id"`
	Environment string `json:"environment"`
	Path        string `json:"path"`
	Fields      int    `json:"fields"`
	Views       int    `json:"views"`
	FetchedAt   string `json:"fetched_at" format:"date-time"`
}

const fetchColumns = `id,app_name,app_id,environment,path,fields,views,fetched_at`

// RecordFetch appends f to the fetch log. FetchedAt defaults to now.
func (j *Journal) RecordFetch(ctx context.Context, f Fetch) error {
	if f.FetchedAt == "" {
		f.FetchedAt = j.now()
	}
	_, err := j.DB.ExecContext(ctx, `INSERT INTO snapshot_fetches(app_name,app_id,environment,path,fields,views,fetched_at) VALUES (?,?,?,?,?,?,?)`,
		f.AppName, f.AppID, f.Environment, f.Path, f.Fields, f.Views, f.FetchedAt)
	return err
}

// LastFetch returns the newest fetch of app in env.
func (j *Journal) LastFetch(ctx context.Context, app, env string) (Fetch, error) {
	var f Fetch
	err := j.DB.QueryRowContext(ctx, `SELECT `+fetchColumns+` FROM snapshot_fetches WHERE app_name=? AND environment=? ORDER BY id DESC LIMIT 1`, app, env).
		Scan(&f.ID, &f.AppName, &f.AppID, &f.Environment, &f.Path, &f.Fields, &f.Views, &f.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	return f, err
}

// ListFetches returns fetches, newest first. An empty app matches all.
func (j *Journal) ListFetches(ctx context.Context, app string, limit int) ([]Fetch, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + fetchColumns + ` FROM snapshot_fetches`
	args := []any{}
	if app != "" {
		query += ` WHERE app_name=?`
		args = append(args, app)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	fetches := []Fetch{}
	for rows.Next() {
		var f Fetch
		if err := rows.Scan(&f.ID, &f.AppName, &f.AppID, &f.Environment, &f.Path, &f.Fields, &f.Views, &f.FetchedAt); err != nil {
			return nil, err
		}
		fetches = append(fetches, f)
	}
	return fetches, rows.Err()
}
