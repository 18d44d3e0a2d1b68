// Package app resolves a workspace into the services the CLI commands run:
// config, snapshot and backup stores, platform connections and the journal.
package app

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"schemaline/internal/config"
	"schemaline/internal/deploy"
	"schemaline/internal/domain"
	"schemaline/internal/history"
	"schemaline/internal/notify"
	"schemaline/internal/planner"
	"schemaline/internal/platform"
	"schemaline/internal/records"
	"schemaline/internal/schema"
)

// Env is a resolved workspace.
type Env struct {
	Workspace string
	Config    *config.Config
	Lookup    config.Lookup
	Logger    *zap.Logger
	Schemas   schema.Store
	Backups   records.Store
}

// Resolve loads the config of workspace. An explicit configPath must exist;
// otherwise a missing schemaline.yml falls back to the defaults so that
// environment-only setups work.
func Resolve(workspace, configPath string, lookup config.Lookup, logger *zap.Logger) (*Env, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lookup == nil {
		lookup = os.Getenv
	}
	return &Env{
		Workspace: workspace,
		Config:    cfg,
		Lookup:    lookup,
		Logger:    logger,
		Schemas:   schema.Store{Workspace: workspace},
		Backups:   records.Store{Workspace: workspace},
	}, nil
}

// Rules returns the planning exclusions of the workspace.
func (e *Env) Rules() planner.Rules {
	return planner.RulesFromConfig(e.Config)
}

// SystemFields lists the field codes stripped from restored records.
func (e *Env) SystemFields() []string {
	codes := make([]string, 0, len(e.Rules().SystemFields))
	for code := range e.Rules().SystemFields {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Connect builds a platform client for conn.
func Connect(conn config.Connection) (platform.API, error) {
	c, err := platform.NewFromConnection(conn)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect resolves env and builds its platform client.
func (e *Env) Connect(env string) (platform.API, config.Connection, error) {
	conn, err := e.Config.Connection(env, e.Lookup)
	if err != nil {
		return nil, conn, err
	}
	api, err := Connect(conn)
	return api, conn, err
}

// AppNames returns requested, else the configured apps, else the apps with
// snapshots on disk.
func (e *Env) AppNames(requested []string) ([]string, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	if names := e.Config.AppNames(); len(names) > 0 {
		return names, nil
	}
	return e.Schemas.Apps()
}

// OpenJournal opens the workspace journal.
func (e *Env) OpenJournal(ctx context.Context) (*history.Journal, error) {
	return history.Open(ctx, e.Workspace)
}

// Runner builds a deploy runner. journal may be nil.
func (e *Env) Runner(journal *history.Journal) deploy.Runner {
	r := deploy.Runner{
		Config:  e.Config,
		Lookup:  e.Lookup,
		Store:   e.Schemas,
		Rules:   e.Rules(),
		Connect: Connect,
		Backups: e.Backups,
		Logger:  e.Logger,
	}
	if journal != nil {
		r.Journal = journal
	}
	if d := notify.New(e.Config, e.Logger); d != nil {
		r.Notifier = d
	}
	return r
}

// AppResult is the outcome of a per-app command. Error is set when that app
// failed; other apps are unaffected.
type AppResult struct {
	App     string `json:"app"`
	AppID   string `json:"app_id,omitempty"`
	Path    string `json:"path,omitempty"`
	Fields  int    `json:"fields,omitempty"`
	Views   int    `json:"views,omitempty"`
	Records int    `json:"records,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FetchSchemas snapshots every app into the store. journal may be nil.
func (e *Env) FetchSchemas(ctx context.Context, api platform.SchemaReader, conn config.Connection, apps []string, journal *history.Journal) []AppResult {
	fetcher := schema.Fetcher{API: api, Store: e.Schemas}
	out := make([]AppResult, 0, len(apps))
	for _, app := range apps {
		log := e.Logger.With(zap.String("app", app), zap.String("env", conn.Environment))
		res := AppResult{App: app}
		appID, err := e.Config.AppID(app, conn.Environment, e.Lookup)
		if err != nil {
			res.Error = err.Error()
			log.Warn("app skipped", zap.Error(err))
			out = append(out, res)
			continue
		}
		res.AppID = appID
		snap, path, err := fetcher.Fetch(ctx, schema.FetchRequest{
			AppName:     app,
			AppID:       appID,
			Environment: conn.Environment,
			BaseURL:     conn.BaseURL,
		})
		if err != nil {
			res.Error = err.Error()
			log.Error("fetch failed", zap.Error(err), zap.Any("detail", platform.ErrorDetail(err)))
			out = append(out, res)
			continue
		}
		res.Path, res.Fields, res.Views = path, len(snap.Fields), len(snap.Views)
		log.Info("snapshot saved", zap.String("path", path), zap.Int("fields", res.Fields), zap.Int("views", res.Views))
		if journal != nil {
			if err := journal.RecordFetch(ctx, history.Fetch{
				AppName:     app,
				AppID:       appID,
				Environment: conn.Environment,
				Path:        path,
				Fields:      res.Fields,
				Views:       res.Views,
				FetchedAt:   snap.FetchedAt,
			}); err != nil {
				log.Warn("fetch log failed", zap.Error(err))
			}
		}
		out = append(out, res)
	}
	return out
}

// BackupApps exports the records of every app. query is combined with the
// pagination cursor.
func (e *Env) BackupApps(ctx context.Context, api platform.RecordReader, conn config.Connection, apps []string, query, reason string) []AppResult {
	backuper := records.Backuper{API: api, Store: e.Backups, Logger: e.Logger}
	out := make([]AppResult, 0, len(apps))
	for _, app := range apps {
		res := AppResult{App: app}
		appID, err := e.Config.AppID(app, conn.Environment, e.Lookup)
		if err != nil {
			res.Error = err.Error()
			e.Logger.Warn("app skipped", zap.String("app", app), zap.Error(err))
			out = append(out, res)
			continue
		}
		res.AppID = appID
		br, err := backuper.Backup(ctx, records.BackupRequest{
			AppName:     app,
			AppID:       appID,
			Environment: conn.Environment,
			BaseURL:     conn.BaseURL,
			Query:       query,
			Reason:      reason,
		})
		if err != nil {
			res.Error = err.Error()
			e.Logger.Error("backup failed", zap.String("app", app), zap.Error(err))
		}
		res.Path, res.Records = br.Path, br.Records
		out = append(out, res)
	}
	return out
}

// RestoreRequest selects the artifact to restore and where it goes. An empty
// Path picks the newest backup of App taken in Source, or in Environment when
// Source is empty. Environment is the destination and defaults to the
// environment the backup was taken in.
type RestoreRequest struct {
	App         string
	Source      string
	Environment string
	Path        string
}

// RestorePlan is a loaded artifact and the app it goes back into.
type RestorePlan struct {
	App         string
	AppID       string
	Environment string
	Path        string
	Backup      domain.Backup
}

// PlanRestore loads the selected artifact. Records go back into the app the
// backup was taken from unless req.Environment names another environment.
func (e *Env) PlanRestore(req RestoreRequest) (RestorePlan, error) {
	plan := RestorePlan{App: req.App, Path: req.Path}
	if plan.Path == "" {
		source := req.Source
		if source == "" {
			source = req.Environment
		}
		latest, err := e.Backups.Latest(req.App, source)
		if err != nil {
			return plan, err
		}
		plan.Path = latest.Path
	}
	backup, err := e.Backups.Load(plan.Path)
	if err != nil {
		return plan, err
	}
	plan.Backup = backup
	plan.AppID, plan.Environment = backup.Metadata.AppID, backup.Metadata.Environment
	if req.Environment != "" && req.Environment != backup.Metadata.Environment {
		plan.Environment = req.Environment
		plan.AppID, err = e.Config.AppID(req.App, req.Environment, e.Lookup)
		if err != nil {
			return plan, err
		}
	}
	if plan.AppID == "" {
		return plan, fmt.Errorf("%s: backup %s has no app id", req.App, plan.Path)
	}
	return plan, nil
}

// Restore inserts the records of plan with system fields stripped.
func (e *Env) Restore(ctx context.Context, api platform.RecordWriter, plan RestorePlan) (AppResult, error) {
	res := AppResult{App: plan.App, AppID: plan.AppID, Path: plan.Path}
	restorer := records.Restorer{API: api, SystemFields: e.SystemFields(), Logger: e.Logger}
	added, err := restorer.Restore(ctx, plan.AppID, plan.Backup.Records)
	res.Records = added
	if err != nil {
		return res, err
	}
	e.Logger.Info("records restored", zap.String("app", plan.App), zap.String("path", plan.Path), zap.Int("records", added))
	return res, nil
}
