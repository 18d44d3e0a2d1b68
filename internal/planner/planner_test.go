package planner

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"schemaline/internal/domain"
)

func field(code, typ, label string) domain.Field {
	return domain.Field{"code": code, "type": typ, "label": label}
}

func snapshot(fields map[string]domain.Field, views map[string]domain.View, layout []any) domain.Snapshot {
	return domain.Snapshot{AppID: "1", Environment: "dev", Fields: fields, Views: views, Layout: layout}
}

func emptyPlan() Plan {
	return Plan{
		FieldsToAdd:    []string{},
		FieldsToUpdate: []string{},
		FieldsToDelete: []string{},
		ViewsToAdd:     []string{},
		ViewsToUpdate:  []string{},
		ViewsToDelete:  []string{},
	}
}

func TestCreatePlanFieldScenario(t *testing.T) {
	source := snapshot(map[string]domain.Field{
		"A": field("A", "SINGLE_LINE_TEXT", "A"),
		"B": field("B", "NUMBER", "B"),
	}, nil, nil)
	target := snapshot(map[string]domain.Field{
		"B": field("B", "NUMBER", "B (old label)"),
		"C": field("C", "SINGLE_LINE_TEXT", "C"),
	}, nil, nil)

	got := CreatePlan(source, target, DefaultRules())
	want := emptyPlan()
	want.FieldsToAdd = []string{"A"}
	want.FieldsToUpdate = []string{"B"}
	want.FieldsToDelete = []string{"C"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestCreatePlanViewScenario(t *testing.T) {
	source := snapshot(nil, map[string]domain.View{
		"list1": {"name": "list1", "type": "LIST", "fields": []any{"A", "B"}},
	}, nil)
	target := snapshot(nil, map[string]domain.View{
		"list1": {"name": "list1", "type": "LIST", "fields": []any{"A"}},
		"list2": {"name": "list2", "type": "LIST"},
	}, nil)

	got := CreatePlan(source, target, DefaultRules())
	want := emptyPlan()
	want.ViewsToUpdate = []string{"list1"}
	want.ViewsToDelete = []string{"list2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestCreatePlanEqualSnapshotsIsEmpty(t *testing.T) {
	s := snapshot(map[string]domain.Field{
		"A": field("A", "SINGLE_LINE_TEXT", "A"),
		"D": {"code": "D", "type": "DROP_DOWN", "options": map[string]any{"x": map[string]any{"index": "0"}}},
	}, map[string]domain.View{
		"v": {"name": "v", "type": "LIST"},
	}, []any{map[string]any{"type": "ROW", "fields": []any{map[string]any{"code": "A"}}}})

	plan := CreatePlan(s, s, DefaultRules())
	if !plan.IsEmpty() {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
	if plan.LayoutChanged {
		t.Fatalf("layout should be unchanged")
	}
}

func TestCreatePlanNeverTouchesSystemFields(t *testing.T) {
	rules := DefaultRules()
	source := snapshot(map[string]domain.Field{
		"RECORD_NUMBER": field("RECORD_NUMBER", "SINGLE_LINE_TEXT", "changed"),
		"$id":           field("$id", "__ID__", "id"),
		"ステータス":         field("ステータス", "SINGLE_LINE_TEXT", "status"),
	}, nil, nil)
	target := snapshot(map[string]domain.Field{
		"RECORD_NUMBER": field("RECORD_NUMBER", "SINGLE_LINE_TEXT", "original"),
		"$revision":     field("$revision", "__REVISION__", "rev"),
	}, nil, nil)

	plan := CreatePlan(source, target, rules)
	if plan.HasFieldChanges() {
		t.Fatalf("system fields must never be planned: %+v", plan)
	}
}

func TestCreatePlanSkipsImmutableTypesPerSide(t *testing.T) {
	source := snapshot(map[string]domain.Field{
		"created": field("created", "CREATED_TIME", "Created"),
		"status":  field("status", "STATUS", "Status v2"),
	}, nil, nil)
	target := snapshot(map[string]domain.Field{
		"status":   field("status", "STATUS", "Status"),
		"assignee": field("assignee", "STATUS_ASSIGNEE", "Assignee"),
	}, nil, nil)

	plan := CreatePlan(source, target, DefaultRules())
	if plan.HasFieldChanges() {
		t.Fatalf("immutable types must never be planned: %+v", plan)
	}
}

// A type change is a reviewed no-op: the field is left for manual handling.
func TestCreatePlanTypeChangeIsExcludedFromAllBuckets(t *testing.T) {
	source := snapshot(map[string]domain.Field{"qty": field("qty", "NUMBER", "Qty")}, nil, nil)
	target := snapshot(map[string]domain.Field{"qty": field("qty", "SINGLE_LINE_TEXT", "Quantity")}, nil, nil)

	plan := CreatePlan(source, target, DefaultRules())
	if plan.HasFieldChanges() {
		t.Fatalf("type-changed field must appear in no bucket: %+v", plan)
	}
}

func TestCreatePlanInjectedRules(t *testing.T) {
	rules := NewRules([]string{"internal"}, []string{"SECRET"})
	source := snapshot(map[string]domain.Field{
		"internal":      field("internal", "TEXT", "x"),
		"vault":         field("vault", "SECRET", "y"),
		"RECORD_NUMBER": field("RECORD_NUMBER", "RECORD_NUMBER", "now plannable"),
	}, nil, nil)
	target := snapshot(nil, nil, nil)

	plan := CreatePlan(source, target, rules)
	if diff := cmp.Diff([]string{"RECORD_NUMBER"}, plan.FieldsToAdd); diff != "" {
		t.Fatalf("fields to add mismatch (-want +got):\n%s", diff)
	}
}

func TestCreatePlanDeepEqualityIgnoresKeyOrderAndEmptyness(t *testing.T) {
	source := snapshot(map[string]domain.Field{
		"A": {"code": "A", "type": "DROP_DOWN", "options": map[string]any{"a": 1.0, "b": 2.0}, "lookup": map[string]any{}},
	}, nil, []any{})
	target := snapshot(map[string]domain.Field{
		"A": {"type": "DROP_DOWN", "options": map[string]any{"b": 2.0, "a": 1.0}, "code": "A", "lookup": map[string]any(nil)},
	}, nil, nil)

	plan := CreatePlan(source, target, DefaultRules())
	if !plan.IsEmpty() {
		t.Fatalf("expected no changes, got %+v", plan)
	}
}

func TestCreatePlanLayoutChange(t *testing.T) {
	source := snapshot(nil, nil, []any{map[string]any{"type": "ROW", "fields": []any{"A", "B"}}})
	target := snapshot(nil, nil, []any{map[string]any{"type": "ROW", "fields": []any{"B", "A"}}})

	plan := CreatePlan(source, target, DefaultRules())
	if !plan.LayoutChanged {
		t.Fatalf("layout order change must be detected")
	}
	if plan.HasFieldChanges() || plan.HasViewChanges() {
		t.Fatalf("only layout should change: %+v", plan)
	}
}

func TestCreatePlanIsDeterministic(t *testing.T) {
	fields := map[string]domain.Field{}
	for _, c := range []string{"z", "y", "x", "w", "v", "u"} {
		fields[c] = field(c, "SINGLE_LINE_TEXT", c)
	}
	source := snapshot(fields, nil, nil)
	target := snapshot(nil, nil, nil)
	first := CreatePlan(source, target, DefaultRules())
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, CreatePlan(source, target, DefaultRules())); diff != "" {
			t.Fatalf("plan not deterministic:\n%s", diff)
		}
	}
	if diff := cmp.Diff([]string{"u", "v", "w", "x", "y", "z"}, first.FieldsToAdd); diff != "" {
		t.Fatalf("expected sorted keys:\n%s", diff)
	}
}

func TestCompareReportsTypeChanges(t *testing.T) {
	from := snapshot(map[string]domain.Field{
		"A":   field("A", "SINGLE_LINE_TEXT", "A"),
		"qty": field("qty", "NUMBER", "Qty"),
	}, map[string]domain.View{"v1": {"name": "v1"}}, nil)
	to := snapshot(map[string]domain.Field{
		"qty": field("qty", "SINGLE_LINE_TEXT", "Qty"),
		"C":   field("C", "SINGLE_LINE_TEXT", "C"),
	}, map[string]domain.View{"v2": {"name": "v2"}}, nil)

	got := Compare(from, to)
	want := Comparison{
		AddedFields:   []string{"A"},
		RemovedFields: []string{"C"},
		ChangedFields: []TypeChange{{Code: "qty", From: "SINGLE_LINE_TEXT", To: "NUMBER"}},
		AddedViews:    []string{"v1"},
		RemovedViews:  []string{"v2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("comparison mismatch (-want +got):\n%s", diff)
	}
	if got.Total() != 5 || !got.HasChanges() {
		t.Fatalf("unexpected total %d", got.Total())
	}
	if Compare(from, from).HasChanges() {
		t.Fatalf("self comparison must be empty")
	}
}
