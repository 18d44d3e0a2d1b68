// Package report renders plans, diffs and listings as terminal tables.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"schemaline/internal/app"
	"schemaline/internal/deploy"
	"schemaline/internal/domain"
	"schemaline/internal/history"
	"schemaline/internal/planner"
	"schemaline/internal/records"
)

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

// PlanRows lists every change of plan as {change, kind, key, detail}.
func PlanRows(plan planner.Plan, source, target domain.Snapshot) []table.Row {
	rows := []table.Row{}
	for _, code := range plan.FieldsToAdd {
		f := source.Fields[code]
		rows = append(rows, table.Row{"+", "field", code, fmt.Sprintf("%s %q", f.Type(), f.Label())})
	}
	for _, code := range plan.FieldsToUpdate {
		before, after := target.Fields[code], source.Fields[code]
		detail := after.Type()
		if before.Label() != after.Label() {
			detail = fmt.Sprintf("%s %q -> %q", after.Type(), before.Label(), after.Label())
		}
		rows = append(rows, table.Row{"~", "field", code, detail})
	}
	for _, code := range plan.FieldsToDelete {
		f := target.Fields[code]
		rows = append(rows, table.Row{"-", "field", code, fmt.Sprintf("%s %q", f.Type(), f.Label())})
	}
	for _, key := range plan.ViewsToAdd {
		rows = append(rows, table.Row{"+", "view", key, source.Views[key].Type()})
	}
	for _, key := range plan.ViewsToUpdate {
		rows = append(rows, table.Row{"~", "view", key, source.Views[key].Type()})
	}
	for _, key := range plan.ViewsToDelete {
		rows = append(rows, table.Row{"-", "view", key, target.Views[key].Type()})
	}
	if plan.LayoutChanged {
		rows = append(rows, table.Row{"~", "layout", "", "replaced"})
	}
	return rows
}

// Deploy renders a deploy report: one block per app, then a hint for dry runs.
func Deploy(w io.Writer, r deploy.Report) {
	mode := "dry run"
	if r.Execute {
		mode = "execute"
	}
	fmt.Fprintf(w, "schema deploy %s -> %s (%s) target %s\n", r.From, r.To, mode, r.BaseURL)
	for _, a := range r.Apps {
		fmt.Fprintln(w)
		switch a.Outcome {
		case deploy.OutcomeSkipped:
			fmt.Fprintf(w, "%s: skipped: %s\n", a.App, a.Reason)
			continue
		case deploy.OutcomeUnchanged:
			fmt.Fprintf(w, "%s: no changes\n", a.App)
			continue
		}
		fmt.Fprintf(w, "%s (app %s): %s\n", a.App, a.AppID, a.Outcome)
		tw := newTable(w)
		tw.AppendHeader(table.Row{"", "Kind", "Key", "Detail"})
		tw.AppendRows(PlanRows(*a.Plan, a.Source, a.Target))
		tw.Render()
		if a.BackupPath != "" {
			fmt.Fprintf(w, "backup: %s\n", a.BackupPath)
		}
		if a.LayoutErr != "" {
			fmt.Fprintf(w, "layout not updated: %s\n", a.LayoutErr)
		}
		if a.Error != "" {
			fmt.Fprintf(w, "error: %s\n", a.Error)
		}
	}
	if !r.Execute && r.HasChanges() {
		fmt.Fprintf(w, "\nto apply: sl schema deploy --from %s --to %s --execute\n", r.From, r.To)
	}
}

// Comparison renders the read-only diff of one app.
func Comparison(w io.Writer, app, from, to string, c planner.Comparison) {
	if !c.HasChanges() {
		fmt.Fprintf(w, "%s: %s and %s match\n", app, from, to)
		return
	}
	fmt.Fprintf(w, "%s: %d differences (%s -> %s)\n", app, c.Total(), from, to)
	tw := newTable(w)
	tw.AppendHeader(table.Row{"", "Kind", "Key", "Detail"})
	for _, code := range c.AddedFields {
		tw.AppendRow(table.Row{"+", "field", code, ""})
	}
	for _, code := range c.RemovedFields {
		tw.AppendRow(table.Row{"-", "field", code, ""})
	}
	for _, tc := range c.ChangedFields {
		tw.AppendRow(table.Row{"~", "field", tc.Code, tc.From + " -> " + tc.To})
	}
	for _, key := range c.AddedViews {
		tw.AppendRow(table.Row{"+", "view", key, ""})
	}
	for _, key := range c.RemovedViews {
		tw.AppendRow(table.Row{"-", "view", key, ""})
	}
	tw.Render()
}

// Results renders the per-app outcome of fetch and backup commands.
func Results(w io.Writer, results []app.AppResult) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"App", "App ID", "Fields", "Views", "Records", "Path", "Error"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.App, r.AppID, r.Fields, r.Views, humanize.Comma(int64(r.Records)), r.Path, r.Error})
	}
	tw.Render()
}

// Runs renders journaled deploys.
func Runs(w io.Writer, runs []domain.DeployRun) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "App", "From", "To", "Status", "Changes", "Started", "Error"})
	for _, r := range runs {
		tw.AppendRow(table.Row{shortID(r.ID), r.AppName, r.FromEnv, r.ToEnv, r.Status, summary(r.Summary), r.StartedAt, r.Error})
	}
	tw.Render()
}

// Fetches renders the snapshot fetch log.
func Fetches(w io.Writer, fetches []history.Fetch) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"App", "Env", "App ID", "Fields", "Views", "Fetched"})
	for _, f := range fetches {
		tw.AppendRow(table.Row{f.AppName, f.Environment, f.AppID, f.Fields, f.Views, f.FetchedAt})
	}
	tw.Render()
}

// Backups renders backup artifacts with human friendly sizes and ages.
func Backups(w io.Writer, entries []records.Entry, now time.Time) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"App", "Env", "Records", "Size", "Taken", "Reason", "File"})
	for _, e := range entries {
		taken := e.Metadata.BackupAt
		if at, err := time.Parse(time.RFC3339Nano, e.Metadata.BackupAt); err == nil {
			taken = humanize.RelTime(at, now, "ago", "from now")
		}
		tw.AppendRow(table.Row{
			e.Metadata.AppName,
			e.Metadata.Environment,
			humanize.Comma(int64(e.Metadata.TotalRecords)),
			humanize.Bytes(uint64(e.Size)),
			taken,
			e.Metadata.Reason,
			e.Path,
		})
	}
	tw.Render()
}

func summary(s domain.PlanSummary) string {
	parts := []string{}
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s%d", label, n))
		}
	}
	add(s.FieldsAdded, "+f")
	add(s.FieldsUpdated, "~f")
	add(s.FieldsDeleted, "-f")
	add(s.ViewsAdded, "+v")
	add(s.ViewsUpdated, "~v")
	add(s.ViewsDeleted, "-v")
	if s.LayoutChanged {
		parts = append(parts, "layout")
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
