package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"schemaline/internal/app"
	"schemaline/internal/deploy"
	"schemaline/internal/domain"
	"schemaline/internal/planner"
	"schemaline/internal/records"
)

func TestDeployDryRunHint(t *testing.T) {
	source := domain.Snapshot{Fields: map[string]domain.Field{
		"A": {"code": "A", "type": "NUMBER", "label": "Amount"},
		"B": {"code": "B", "type": "SINGLE_LINE_TEXT", "label": "New"},
	}}
	target := domain.Snapshot{Fields: map[string]domain.Field{
		"B": {"code": "B", "type": "SINGLE_LINE_TEXT", "label": "Old"},
	}}
	plan := planner.CreatePlan(source, target, planner.DefaultRules())
	r := deploy.Report{From: "dev", To: "prod", BaseURL: "https://prod.example", Apps: []deploy.AppReport{
		{App: "orders", AppID: "12", Outcome: deploy.OutcomePlanned, Plan: &plan, Source: source, Target: target},
		{App: "ghost", Outcome: deploy.OutcomeSkipped, Reason: "no snapshot"},
	}}
	var buf bytes.Buffer
	Deploy(&buf, r)
	out := buf.String()
	for _, want := range []string{
		"dry run",
		"orders (app 12): planned",
		`NUMBER "Amount"`,
		`"Old" -> "New"`,
		"ghost: skipped: no snapshot",
		"sl schema deploy --from dev --to prod --execute",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestComparisonNoChanges(t *testing.T) {
	var buf bytes.Buffer
	Comparison(&buf, "orders", "dev", "prod", planner.Comparison{})
	if !strings.Contains(buf.String(), "dev and prod match") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestBackupsHumanized(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	Backups(&buf, []records.Entry{{
		Path: "/tmp/backup-prod.json",
		Size: 2048,
		Metadata: domain.BackupMetadata{
			AppName: "orders", Environment: "prod", TotalRecords: 12345,
			BackupAt: "2026-01-01T10:00:00.000Z", Reason: records.ReasonPreDeploy,
		},
	}}, now)
	out := buf.String()
	for _, want := range []string{"12,345", "2.0 kB", "2 hours ago", "pre-deploy"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSummary(t *testing.T) {
	got := summary(domain.PlanSummary{FieldsAdded: 1, ViewsDeleted: 2, LayoutChanged: true})
	if got != "+f1 -v2 layout" {
		t.Fatalf("summary = %q", got)
	}
}

func TestResultsShowErrors(t *testing.T) {
	var buf bytes.Buffer
	Results(&buf, []app.AppResult{
		{App: "orders", AppID: "12", Records: 1500, Path: "/tmp/backup.json"},
		{App: "ghost", Error: "app id not configured"},
	})
	out := buf.String()
	for _, want := range []string{"1,500", "/tmp/backup.json", "ghost", "app id not configured"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
