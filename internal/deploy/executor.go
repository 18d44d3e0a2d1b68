// Package deploy applies plans to live apps.
package deploy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"schemaline/internal/domain"
	"schemaline/internal/planner"
	"schemaline/internal/platform"
	"schemaline/internal/records"
)

// Step names, in execution order.
const (
	StepBackup       = "backup"
	StepAddFields    = "add_fields"
	StepUpdateFields = "update_fields"
	StepDeleteFields = "delete_fields"
	StepViews        = "views"
	StepLayout       = "layout"
	StepDeploy       = "deploy"
)

// StepError reports the step that aborted an execution.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Backuper writes a record backup ahead of the mutations.
type Backuper interface {
	Backup(ctx context.Context, req records.BackupRequest) (records.BackupResult, error)
}

// Request is one app deploy.
type Request struct {
	AppName     string
	AppID       string
	Environment string
	BaseURL     string
	Plan        planner.Plan
	Source      domain.Snapshot
	Target      domain.Snapshot
	Backup      bool
}

// Result describes what an execution did. Steps lists the steps that ran,
// including a failed one. LayoutErr holds a swallowed layout failure.
type Result struct {
	Steps         []string
	BackupPath    string
	BackupRecords int
	LayoutErr     error
}

type Executor struct {
	API      platform.SchemaWriter
	Backuper Backuper
	Logger   *zap.Logger
}

// Execute applies req.Plan in a fixed order: add, update and delete fields,
// reconcile views, replace the layout, publish. Empty buckets are skipped
// and an empty plan makes no calls. A layout failure is logged and does not
// stop the publish; any other failure aborts the remaining steps.
func (e Executor) Execute(ctx context.Context, req Request) (Result, error) {
	var res Result
	if req.Plan.IsEmpty() {
		return res, nil
	}
	log := e.logger().With(zap.String("app", req.AppName), zap.String("app_id", req.AppID))
	plan, source, target := req.Plan, req.Source, req.Target

	if req.Backup {
		if e.Backuper == nil {
			return res, &StepError{Step: StepBackup, Err: fmt.Errorf("backup requested but not configured")}
		}
		res.Steps = append(res.Steps, StepBackup)
		out, err := e.Backuper.Backup(ctx, records.BackupRequest{
			AppName:     req.AppName,
			AppID:       req.AppID,
			Environment: req.Environment,
			BaseURL:     req.BaseURL,
			Reason:      records.ReasonPreDeploy,
		})
		if err != nil {
			return res, &StepError{Step: StepBackup, Err: err}
		}
		res.BackupPath, res.BackupRecords = out.Path, out.Records
	}

	if len(plan.FieldsToAdd) > 0 {
		res.Steps = append(res.Steps, StepAddFields)
		if err := e.API.AddFormFields(ctx, req.AppID, AddPayload(plan, source)); err != nil {
			return res, &StepError{Step: StepAddFields, Err: err}
		}
		log.Info("fields added", zap.Strings("fields", plan.FieldsToAdd))
	}

	if len(plan.FieldsToUpdate) > 0 {
		res.Steps = append(res.Steps, StepUpdateFields)
		if err := e.API.UpdateFormFields(ctx, req.AppID, UpdatePayload(plan, source)); err != nil {
			return res, &StepError{Step: StepUpdateFields, Err: err}
		}
		log.Info("fields updated", zap.Strings("fields", plan.FieldsToUpdate))
	}

	if len(plan.FieldsToDelete) > 0 {
		res.Steps = append(res.Steps, StepDeleteFields)
		if err := e.API.DeleteFormFields(ctx, req.AppID, plan.FieldsToDelete); err != nil {
			return res, &StepError{Step: StepDeleteFields, Err: err}
		}
		log.Info("fields deleted", zap.Strings("fields", plan.FieldsToDelete))
	}

	if plan.HasViewChanges() {
		res.Steps = append(res.Steps, StepViews)
		if err := e.API.UpdateViews(ctx, req.AppID, MergeViews(plan, source, target)); err != nil {
			return res, &StepError{Step: StepViews, Err: err}
		}
		log.Info("views updated",
			zap.Strings("added", plan.ViewsToAdd),
			zap.Strings("updated", plan.ViewsToUpdate),
			zap.Strings("deleted", plan.ViewsToDelete))
	}

	if plan.LayoutChanged && len(source.Layout) > 0 {
		res.Steps = append(res.Steps, StepLayout)
		if err := e.API.UpdateFormLayout(ctx, req.AppID, source.Layout); err != nil {
			res.LayoutErr = err
			log.Warn("layout update failed; continuing", zap.Error(err), zap.Any("detail", platform.ErrorDetail(err)))
		} else {
			log.Info("layout replaced")
		}
	}

	res.Steps = append(res.Steps, StepDeploy)
	if err := e.API.DeployApp(ctx, req.AppID); err != nil {
		return res, &StepError{Step: StepDeploy, Err: err}
	}
	log.Info("deploy started")
	return res, nil
}

func (e Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// AddPayload returns the full source definitions of the added fields.
func AddPayload(plan planner.Plan, source domain.Snapshot) map[string]domain.Field {
	out := make(map[string]domain.Field, len(plan.FieldsToAdd))
	for _, code := range plan.FieldsToAdd {
		out[code] = copyField(source.Fields[code], nil)
	}
	return out
}

// UpdatePayload returns the source definitions of the updated fields
// without code and type, which the platform refuses to change.
func UpdatePayload(plan planner.Plan, source domain.Snapshot) map[string]domain.Field {
	omit := map[string]struct{}{"code": {}, "type": {}}
	out := make(map[string]domain.Field, len(plan.FieldsToUpdate))
	for _, code := range plan.FieldsToUpdate {
		out[code] = copyField(source.Fields[code], omit)
	}
	return out
}

// MergeViews builds the complete view set to submit: the target's views
// minus deletions, overwritten by the source definitions of additions and
// updates.
func MergeViews(plan planner.Plan, source, target domain.Snapshot) map[string]domain.View {
	deleted := make(map[string]struct{}, len(plan.ViewsToDelete))
	for _, key := range plan.ViewsToDelete {
		deleted[key] = struct{}{}
	}
	out := make(map[string]domain.View, len(target.Views)+len(plan.ViewsToAdd))
	for key, v := range target.Views {
		if _, ok := deleted[key]; ok {
			continue
		}
		out[key] = v
	}
	for _, key := range plan.ViewsToAdd {
		out[key] = source.Views[key]
	}
	for _, key := range plan.ViewsToUpdate {
		out[key] = source.Views[key]
	}
	return out
}

func copyField(f domain.Field, omit map[string]struct{}) domain.Field {
	out := make(domain.Field, len(f))
	for k, v := range f {
		if _, ok := omit[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}
