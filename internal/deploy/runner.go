package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schemaline/internal/config"
	"schemaline/internal/domain"
	"schemaline/internal/planner"
	"schemaline/internal/platform"
	"schemaline/internal/records"
	"schemaline/internal/schema"
)

// Outcomes of one app in a run.
const (
	OutcomeSkipped   = "skipped"
	OutcomeUnchanged = "unchanged"
	OutcomePlanned   = "planned"
	OutcomeDeployed  = "deployed"
	OutcomeFailed    = "failed"
)

// Journal records executed deploys.
type Journal interface {
	Start(ctx context.Context, run domain.DeployRun) (domain.DeployRun, error)
	Finish(ctx context.Context, id, status, errMsg, backupPath string) (domain.DeployRun, error)
}

// Notifier is told about every finished deploy.
type Notifier interface {
	Notify(ctx context.Context, run domain.DeployRun)
}

// Options select what a run does. Execute false is a dry run.
type Options struct {
	From    string
	To      string
	Apps    []string
	Execute bool
	Backup  bool
}

type AppReport struct {
	App        string          `json:"app"`
	AppID      string          `json:"app_id,omitempty"`
	Outcome    string          `json:"outcome"`
	Reason     string          `json:"reason,omitempty"`
	Plan       *planner.Plan   `json:"plan,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Steps      []string        `json:"steps,omitempty"`
	BackupPath string          `json:"backup_path,omitempty"`
	LayoutErr  string          `json:"layout_error,omitempty"`
	Error      string          `json:"error,omitempty"`
	Detail     map[string]any  `json:"detail,omitempty"`
	Source     domain.Snapshot `json:"-"`
	Target     domain.Snapshot `json:"-"`
}

type Report struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	BaseURL string      `json:"base_url"`
	Execute bool        `json:"execute"`
	Apps    []AppReport `json:"apps"`
}

// HasChanges reports whether any app had a non-empty plan.
func (r Report) HasChanges() bool {
	for _, a := range r.Apps {
		if a.Plan != nil && !a.Plan.IsEmpty() {
			return true
		}
	}
	return false
}

// Count returns how many apps ended with outcome.
func (r Report) Count(outcome string) int {
	n := 0
	for _, a := range r.Apps {
		if a.Outcome == outcome {
			n++
		}
	}
	return n
}

// Runner plans, and optionally executes, a deploy across apps. Apps are
// processed one at a time and a failure in one never stops the others.
type Runner struct {
	Config   *config.Config
	Lookup   config.Lookup
	Store    schema.Store
	Rules    planner.Rules
	Connect  func(config.Connection) (platform.API, error)
	Backups  records.Store
	Journal  Journal
	Notifier Notifier
	Logger   *zap.Logger
}

// Run resolves the target environment, then plans each app and, when
// opts.Execute is set, applies the plan. Errors returned here are fatal
// configuration problems; per-app problems are in the report.
func (r Runner) Run(ctx context.Context, opts Options) (Report, error) {
	log := r.logger()
	report := Report{From: opts.From, To: opts.To, Execute: opts.Execute, Apps: []AppReport{}}
	if opts.From == "" || opts.To == "" {
		return report, errors.New("source and target environments are required")
	}
	if opts.From == opts.To {
		return report, fmt.Errorf("source and target environment are both %s", opts.From)
	}
	conn, err := r.Config.Connection(opts.To, r.Lookup)
	if err != nil {
		return report, err
	}
	report.BaseURL = conn.BaseURL

	var api platform.API
	if opts.Execute {
		if r.Connect == nil {
			return report, errors.New("no platform connector configured")
		}
		api, err = r.Connect(conn)
		if err != nil {
			return report, err
		}
	}

	apps, err := r.appNames(opts.Apps)
	if err != nil {
		return report, err
	}
	for _, app := range apps {
		ar := r.planApp(app, opts)
		if ar.Outcome == OutcomePlanned && opts.Execute {
			r.execute(ctx, api, conn, opts, &ar)
		}
		switch ar.Outcome {
		case OutcomeSkipped:
			log.Warn("app skipped", zap.String("app", app), zap.String("reason", ar.Reason))
		case OutcomeFailed:
			log.Error("deploy failed", zap.String("app", app), zap.String("error", ar.Error), zap.Any("detail", ar.Detail))
		}
		report.Apps = append(report.Apps, ar)
	}
	return report, nil
}

func (r Runner) planApp(app string, opts Options) AppReport {
	ar := AppReport{App: app}
	source, target, err := r.Store.LoadPair(app, opts.From, opts.To)
	if err != nil {
		ar.Outcome, ar.Reason = OutcomeSkipped, err.Error()
		return ar
	}
	appID, err := r.Config.AppID(app, opts.To, r.Lookup)
	if err != nil {
		ar.Outcome, ar.Reason = OutcomeSkipped, err.Error()
		return ar
	}
	plan := planner.CreatePlan(source, target, r.Rules)
	ar.AppID, ar.Plan, ar.Source, ar.Target = appID, &plan, source, target
	if plan.IsEmpty() {
		ar.Outcome = OutcomeUnchanged
	} else {
		ar.Outcome = OutcomePlanned
	}
	return ar
}

func (r Runner) execute(ctx context.Context, api platform.API, conn config.Connection, opts Options, ar *AppReport) {
	log := r.logger().With(zap.String("app", ar.App))
	run := domain.DeployRun{
		ID:      uuid.NewString(),
		AppName: ar.App,
		AppID:   ar.AppID,
		FromEnv: opts.From,
		ToEnv:   opts.To,
		Summary: ar.Plan.Summary(),
	}
	if r.Journal != nil {
		started, err := r.Journal.Start(ctx, run)
		if err != nil {
			log.Warn("journal start failed", zap.Error(err))
		} else {
			run = started
		}
	}
	ar.RunID = run.ID

	exec := Executor{
		API:      api,
		Backuper: records.Backuper{API: api, Store: r.Backups, Logger: r.Logger},
		Logger:   r.Logger,
	}
	res, err := exec.Execute(ctx, Request{
		AppName:     ar.App,
		AppID:       ar.AppID,
		Environment: opts.To,
		BaseURL:     conn.BaseURL,
		Plan:        *ar.Plan,
		Source:      ar.Source,
		Target:      ar.Target,
		Backup:      opts.Backup,
	})
	ar.Steps, ar.BackupPath = res.Steps, res.BackupPath
	if res.LayoutErr != nil {
		ar.LayoutErr = res.LayoutErr.Error()
	}
	run.BackupPath = res.BackupPath
	if err != nil {
		ar.Outcome, ar.Error, ar.Detail = OutcomeFailed, err.Error(), platform.ErrorDetail(err)
		run.Status, run.Error = domain.RunFailed, err.Error()
	} else {
		ar.Outcome = OutcomeDeployed
		run.Status = domain.RunSucceeded
	}

	if r.Journal != nil {
		finished, ferr := r.Journal.Finish(ctx, run.ID, run.Status, run.Error, run.BackupPath)
		if ferr != nil {
			log.Warn("journal finish failed", zap.Error(ferr))
		} else {
			run = finished
		}
	}
	if r.Notifier != nil {
		r.Notifier.Notify(ctx, run)
	}
}

// appNames returns the requested apps, else the configured apps, else the
// apps that have snapshots on disk.
func (r Runner) appNames(requested []string) ([]string, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	if names := r.Config.AppNames(); len(names) > 0 {
		return names, nil
	}
	return r.Store.Apps()
}

func (r Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
