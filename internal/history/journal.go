// Package history journals executed deploys and snapshot fetches in the
// workspace SQLite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schemaline/internal/db"
	"schemaline/internal/domain"
	"schemaline/internal/migrate"
)

var ErrNotFound = errors.New("not found")

type Journal struct {
	DB  *sql.DB
	Now func() time.Time
}

// Open opens and migrates the journal of workspace.
func Open(ctx context.Context, workspace string) (*Journal, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{DB: conn}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.DB == nil {
		return nil
	}
	return j.DB.Close()
}

func (j *Journal) now() string {
	if j.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return j.Now().UTC().Format(time.RFC3339)
}

// Start records a running deploy and assigns its id.
func (j *Journal) Start(ctx context.Context, run domain.DeployRun) (domain.DeployRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = domain.RunRunning
	run.StartedAt = j.now()
	run.FinishedAt = nil
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return run, err
	}
	_, err = j.DB.ExecContext(ctx, `INSERT INTO deploy_runs(id,app_name,app_id,from_env,to_env,status,error,backup_path,summary_json,started_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.AppName, run.AppID, run.FromEnv, run.ToEnv, run.Status, nullable(run.Error), nullable(run.BackupPath), string(summary), run.StartedAt)
	if err != nil {
		return run, fmt.Errorf("insert deploy run: %w", err)
	}
	return run, nil
}

// Finish closes a run with status and, for failures, the error text.
func (j *Journal) Finish(ctx context.Context, id, status, errMsg, backupPath string) (domain.DeployRun, error) {
	if status != domain.RunSucceeded && status != domain.RunFailed {
		return domain.DeployRun{}, fmt.Errorf("invalid final status %q", status)
	}
	res, err := j.DB.ExecContext(ctx, `UPDATE deploy_runs SET status=?, error=?, backup_path=COALESCE(?, backup_path), finished_at=? WHERE id=?`,
		status, nullable(errMsg), nullable(backupPath), j.now(), id)
	if err != nil {
		return domain.DeployRun{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.DeployRun{}, ErrNotFound
	}
	return j.Get(ctx, id)
}

const runColumns = `id,app_name,app_id,from_env,to_env,status,COALESCE(error,''),COALESCE(backup_path,''),summary_json,started_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.DeployRun, error) {
	var r domain.DeployRun
	var summary string
	var finished sql.NullString
	if err := row.Scan(&r.ID, &r.AppName, &r.AppID, &r.FromEnv, &r.ToEnv, &r.Status, &r.Error, &r.BackupPath, &summary, &r.StartedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return r, fmt.Errorf("decode summary of %s: %w", r.ID, err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.String
	}
	return r, nil
}

func (j *Journal) Get(ctx context.Context, id string) (domain.DeployRun, error) {
	return scanRun(j.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM deploy_runs WHERE id=?`, id))
}

// ListFilter narrows List. Zero values match everything; Limit <= 0 means 50.
type ListFilter struct {
	App   string
	Limit int
}

// List returns runs, newest first.
func (j *Journal) List(ctx context.Context, f ListFilter) ([]domain.DeployRun, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM deploy_runs`
	args := []any{}
	if f.App != "" {
		query += ` WHERE app_name=?`
		args = append(args, f.App)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := []domain.DeployRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
