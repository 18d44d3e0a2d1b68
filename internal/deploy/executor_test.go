package deploy

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"schemaline/internal/domain"
	"schemaline/internal/planner"
	"schemaline/internal/platform/platformtest"
	"schemaline/internal/records"
)

func field(code, typ, label string) domain.Field {
	return domain.Field{"code": code, "type": typ, "label": label}
}

func view(name, typ string, extra ...string) domain.View {
	v := domain.View{"name": name, "type": typ}
	if len(extra) > 0 {
		v["fields"] = toAny(extra)
	}
	return v
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func sourceSnapshot() domain.Snapshot {
	return domain.Snapshot{
		AppName: "orders", Environment: "dev",
		Fields: map[string]domain.Field{
			"A":             field("A", "SINGLE_LINE_TEXT", "A"),
			"B":             field("B", "NUMBER", "B relabeled"),
			"RECORD_NUMBER": field("RECORD_NUMBER", "RECORD_NUMBER", "No."),
		},
		Views: map[string]domain.View{
			"list1": view("list1", "LIST", "A", "B"),
			"list3": view("list3", "LIST", "A"),
		},
		Layout: []any{map[string]any{"type": "ROW", "fields": []any{map[string]any{"code": "A"}}}},
	}
}

func targetSnapshot() domain.Snapshot {
	return domain.Snapshot{
		AppName: "orders", Environment: "prod",
		Fields: map[string]domain.Field{
			"B":             field("B", "NUMBER", "B"),
			"C":             field("C", "SINGLE_LINE_TEXT", "C"),
			"RECORD_NUMBER": field("RECORD_NUMBER", "RECORD_NUMBER", "Record number"),
		},
		Views: map[string]domain.View{
			"list1": view("list1", "LIST", "B"),
			"list2": view("list2", "CALENDAR"),
		},
		Layout: []any{map[string]any{"type": "ROW", "fields": []any{map[string]any{"code": "B"}}}},
	}
}

func newRequest(source, target domain.Snapshot) Request {
	return Request{
		AppName:     "orders",
		AppID:       "12",
		Environment: "prod",
		Plan:        planner.CreatePlan(source, target, planner.DefaultRules()),
		Source:      source,
		Target:      target,
	}
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	fake := platformtest.New()
	fake.Seed("12", targetSnapshot())
	res, err := Executor{API: fake}.Execute(context.Background(), newRequest(sourceSnapshot(), targetSnapshot()))
	require.NoError(t, err)

	wantCalls := []string{"AddFormFields", "UpdateFormFields", "DeleteFormFields", "UpdateViews", "UpdateFormLayout", "DeployApp"}
	if diff := cmp.Diff(wantCalls, fake.Calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	wantSteps := []string{StepAddFields, StepUpdateFields, StepDeleteFields, StepViews, StepLayout, StepDeploy}
	if diff := cmp.Diff(wantSteps, res.Steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	fake := platformtest.New()
	fake.Seed("12", targetSnapshot())
	source := sourceSnapshot()
	_, err := Executor{API: fake}.Execute(context.Background(), newRequest(source, targetSnapshot()))
	require.NoError(t, err)

	after := fake.Snapshot("12", "prod")
	again := planner.CreatePlan(source, after, planner.DefaultRules())
	require.True(t, again.IsEmpty(), "plan after apply: %+v", again)
	require.Equal(t, "Record number", after.Fields["RECORD_NUMBER"].Label())
}

func TestExecuteEmptyPlanMakesNoCalls(t *testing.T) {
	fake := platformtest.New()
	fake.ForbidMutations = true
	fake.T = t
	snap := targetSnapshot()
	req := newRequest(snap, snap)
	req.Backup = true
	res, err := Executor{API: fake, Backuper: records.Backuper{API: fake}}.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, res.Steps)
	require.Empty(t, fake.Calls)
}

type recorder struct {
	added   map[string]domain.Field
	updated map[string]domain.Field
	deleted []string
	views   map[string]domain.View
	layout  []any
	calls   []string
}

func (r *recorder) AddFormFields(ctx context.Context, app string, p map[string]domain.Field) error {
	r.calls, r.added = append(r.calls, "add"), p
	return nil
}

func (r *recorder) UpdateFormFields(ctx context.Context, app string, p map[string]domain.Field) error {
	r.calls, r.updated = append(r.calls, "update"), p
	return nil
}

func (r *recorder) DeleteFormFields(ctx context.Context, app string, codes []string) error {
	r.calls, r.deleted = append(r.calls, "delete"), codes
	return nil
}

func (r *recorder) UpdateViews(ctx context.Context, app string, v map[string]domain.View) error {
	r.calls, r.views = append(r.calls, "views"), v
	return nil
}

func (r *recorder) UpdateFormLayout(ctx context.Context, app string, l []any) error {
	r.calls, r.layout = append(r.calls, "layout"), l
	return nil
}

func (r *recorder) DeployApp(ctx context.Context, app string) error {
	r.calls = append(r.calls, "deploy")
	return nil
}

func TestExecutePayloads(t *testing.T) {
	rec := &recorder{}
	source, target := sourceSnapshot(), targetSnapshot()
	_, err := Executor{API: rec}.Execute(context.Background(), newRequest(source, target))
	require.NoError(t, err)

	require.Equal(t, map[string]domain.Field{"A": field("A", "SINGLE_LINE_TEXT", "A")}, rec.added)
	require.Equal(t, map[string]domain.Field{"B": {"label": "B relabeled"}}, rec.updated)
	require.Equal(t, []string{"C"}, rec.deleted)
	require.Equal(t, map[string]domain.View{
		"list1": source.Views["list1"],
		"list3": source.Views["list3"],
	}, rec.views)
	require.Equal(t, source.Layout, rec.layout)
	// the source snapshot is not mutated by payload shaping
	require.Equal(t, "B", source.Fields["B"]["code"])
}

func TestMergeViewsKeepsUntouchedTargetViews(t *testing.T) {
	source := domain.Snapshot{Views: map[string]domain.View{"list1": view("list1", "LIST", "x")}}
	target := domain.Snapshot{Views: map[string]domain.View{
		"list1": view("list1", "LIST"),
		"list2": view("list2", "LIST"),
	}}
	plan := planner.Plan{ViewsToUpdate: []string{"list1"}}
	got := MergeViews(plan, source, target)
	require.Equal(t, map[string]domain.View{"list1": source.Views["list1"], "list2": target.Views["list2"]}, got)
}

func TestExecuteSkipsLayoutWhenSourceLayoutEmpty(t *testing.T) {
	rec := &recorder{}
	source := targetSnapshot()
	source.Layout = nil
	plan := planner.Plan{LayoutChanged: true}
	_, err := Executor{API: rec}.Execute(context.Background(), Request{AppID: "12", Plan: plan, Source: source, Target: targetSnapshot()})
	require.NoError(t, err)
	require.Equal(t, []string{"deploy"}, rec.calls)
}

func TestExecuteLayoutFailureIsSwallowed(t *testing.T) {
	fake := platformtest.New()
	fake.Seed("12", targetSnapshot())
	fake.Errors["UpdateFormLayout"] = errors.New("layout rejected")
	res, err := Executor{API: fake}.Execute(context.Background(), newRequest(sourceSnapshot(), targetSnapshot()))
	require.NoError(t, err)
	require.Error(t, res.LayoutErr)
	require.Equal(t, 1, fake.CallCount("DeployApp"))
}

func TestExecuteAbortsOnMutationError(t *testing.T) {
	fake := platformtest.New()
	fake.Seed("12", targetSnapshot())
	fake.Errors["AddFormFields"] = errors.New("duplicate code")
	res, err := Executor{API: fake}.Execute(context.Background(), newRequest(sourceSnapshot(), targetSnapshot()))
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, StepAddFields, stepErr.Step)
	require.Equal(t, []string{"AddFormFields"}, fake.Calls)
	require.Equal(t, []string{StepAddFields}, res.Steps)
}

func TestExecuteBackupFailureAborts(t *testing.T) {
	fake := platformtest.New()
	fake.Seed("12", targetSnapshot())
	fake.Errors["GetRecords"] = errors.New("timeout")
	req := newRequest(sourceSnapshot(), targetSnapshot())
	req.Backup = true
	_, err := Executor{API: fake, Backuper: records.Backuper{API: fake, Store: records.Store{Workspace: t.TempDir()}}}.Execute(context.Background(), req)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, StepBackup, stepErr.Step)
	require.Equal(t, []string{"GetRecords"}, fake.Calls)
}

func TestExecuteBackupBeforeMutations(t *testing.T) {
	workspace := t.TempDir()
	fake := platformtest.New()
	fake.Seed("12", targetSnapshot())
	fake.SeedRecords("12", 3)
	req := newRequest(sourceSnapshot(), targetSnapshot())
	req.Backup = true
	res, err := Executor{API: fake, Backuper: records.Backuper{API: fake, Store: records.Store{Workspace: workspace}}}.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "GetRecords", fake.Calls[0])
	require.Equal(t, 3, res.BackupRecords)
	_, err = os.Stat(res.BackupPath)
	require.NoError(t, err)

	backup, err := records.Store{Workspace: workspace}.Load(res.BackupPath)
	require.NoError(t, err)
	require.Equal(t, records.ReasonPreDeploy, backup.Metadata.Reason)
}

func TestExecuteEmptyBackupStillDeploys(t *testing.T) {
	workspace := t.TempDir()
	fake := platformtest.New()
	fake.Seed("12", targetSnapshot())
	req := newRequest(sourceSnapshot(), targetSnapshot())
	req.Backup = true
	res, err := Executor{API: fake, Backuper: records.Backuper{API: fake, Store: records.Store{Workspace: workspace}}}.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, res.BackupPath)
	require.Equal(t, 1, fake.CallCount("DeployApp"))
	entries, err := records.Store{Workspace: workspace}.List("orders", "")
	require.NoError(t, err)
	require.Empty(t, entries)
}
