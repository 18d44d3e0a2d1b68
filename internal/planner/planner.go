// Package planner computes the changes needed to make one environment's app
// structure match another's. Everything here is pure: it reads two snapshots
// and returns a value.
package planner

import (
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"schemaline/internal/domain"
)

// Plan describes how to mutate a target app so its structure matches a
// source app. Every key list is sorted.
type Plan struct {
	FieldsToAdd    []string `json:"fieldsToAdd"`
	FieldsToUpdate []string `json:"fieldsToUpdate"`
	FieldsToDelete []string `json:"fieldsToDelete"`
	ViewsToAdd     []string `json:"viewsToAdd"`
	ViewsToUpdate  []string `json:"viewsToUpdate"`
	ViewsToDelete  []string `json:"viewsToDelete"`
	LayoutChanged  bool     `json:"layoutChanged"`
}

// HasFieldChanges reports whether any field bucket is non-empty.
func (p Plan) HasFieldChanges() bool {
	return len(p.FieldsToAdd)+len(p.FieldsToUpdate)+len(p.FieldsToDelete) > 0
}

// HasViewChanges reports whether any view bucket is non-empty.
func (p Plan) HasViewChanges() bool {
	return len(p.ViewsToAdd)+len(p.ViewsToUpdate)+len(p.ViewsToDelete) > 0
}

// IsEmpty reports whether applying the plan would change nothing.
func (p Plan) IsEmpty() bool {
	return !p.HasFieldChanges() && !p.HasViewChanges() && !p.LayoutChanged
}

// Summary counts the buckets.
func (p Plan) Summary() domain.PlanSummary {
	return domain.PlanSummary{
		FieldsAdded:   len(p.FieldsToAdd),
		FieldsUpdated: len(p.FieldsToUpdate),
		FieldsDeleted: len(p.FieldsToDelete),
		ViewsAdded:    len(p.ViewsToAdd),
		ViewsUpdated:  len(p.ViewsToUpdate),
		ViewsDeleted:  len(p.ViewsToDelete),
		LayoutChanged: p.LayoutChanged,
	}
}

// CreatePlan diffs source against target.
//
// Fields whose code is a system field, or whose type is immutable, are never
// planned. The type is taken from the source side for adds and updates and
// from the target side for deletes. A field present on both sides with a
// different type lands in no bucket: type changes are not supported by the
// platform and must be handled by hand.
func CreatePlan(source, target domain.Snapshot, rules Rules) Plan {
	plan := Plan{
		FieldsToAdd:    []string{},
		FieldsToUpdate: []string{},
		FieldsToDelete: []string{},
		ViewsToAdd:     []string{},
		ViewsToUpdate:  []string{},
		ViewsToDelete:  []string{},
	}

	for _, code := range sortedKeys(source.Fields) {
		src := source.Fields[code]
		if rules.isSystem(code) || rules.isImmutable(src.Type()) {
			continue
		}
		tgt, ok := target.Fields[code]
		if !ok {
			plan.FieldsToAdd = append(plan.FieldsToAdd, code)
			continue
		}
		if src.Type() != tgt.Type() {
			continue
		}
		if !Equal(src, tgt) {
			plan.FieldsToUpdate = append(plan.FieldsToUpdate, code)
		}
	}
	for _, code := range sortedKeys(target.Fields) {
		if _, ok := source.Fields[code]; ok {
			continue
		}
		if rules.isSystem(code) || rules.isImmutable(target.Fields[code].Type()) {
			continue
		}
		plan.FieldsToDelete = append(plan.FieldsToDelete, code)
	}

	for _, key := range sortedKeys(source.Views) {
		tgt, ok := target.Views[key]
		if !ok {
			plan.ViewsToAdd = append(plan.ViewsToAdd, key)
			continue
		}
		if !Equal(source.Views[key], tgt) {
			plan.ViewsToUpdate = append(plan.ViewsToUpdate, key)
		}
	}
	for _, key := range sortedKeys(target.Views) {
		if _, ok := source.Views[key]; !ok {
			plan.ViewsToDelete = append(plan.ViewsToDelete, key)
		}
	}

	plan.LayoutChanged = !Equal(source.Layout, target.Layout)
	return plan
}

// Equal compares two decoded JSON values by structure. Map key order never
// matters; nil and empty collections are treated as the same.
func Equal(a, b any) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
