package planner

import "schemaline/internal/domain"

// TypeChange is a field present in both snapshots with a different type.
type TypeChange struct {
	Code string `json:"code"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Comparison is the read-only report behind `sl schema diff`. Unlike Plan
// it applies no exclusions and reports type changes instead of hiding them.
type Comparison struct {
	AddedFields   []string     `json:"addedFields"`
	RemovedFields []string     `json:"removedFields"`
	ChangedFields []TypeChange `json:"changedFields"`
	AddedViews    []string     `json:"addedViews"`
	RemovedViews  []string     `json:"removedViews"`
}

// Total is the number of reported differences.
func (c Comparison) Total() int {
	return len(c.AddedFields) + len(c.RemovedFields) + len(c.ChangedFields) + len(c.AddedViews) + len(c.RemovedViews)
}

func (c Comparison) HasChanges() bool { return c.Total() > 0 }

// Compare reports what exists only in from, only in to, and which common
// fields changed type. From is the source environment.
func Compare(from, to domain.Snapshot) Comparison {
	c := Comparison{
		AddedFields:   []string{},
		RemovedFields: []string{},
		ChangedFields: []TypeChange{},
		AddedViews:    []string{},
		RemovedViews:  []string{},
	}
	for _, code := range sortedKeys(from.Fields) {
		other, ok := to.Fields[code]
		if !ok {
			c.AddedFields = append(c.AddedFields, code)
			continue
		}
		if from.Fields[code].Type() != other.Type() {
			c.ChangedFields = append(c.ChangedFields, TypeChange{Code: code, From: other.Type(), To: from.Fields[code].Type()})
		}
	}
	for _, code := range sortedKeys(to.Fields) {
		if _, ok := from.Fields[code]; !ok {
			c.RemovedFields = append(c.RemovedFields, code)
		}
	}
	for _, key := range sortedKeys(from.Views) {
		if _, ok := to.Views[key]; !ok {
			c.AddedViews = append(c.AddedViews, key)
		}
	}
	for _, key := range sortedKeys(to.Views) {
		if _, ok := from.Views[key]; !ok {
			c.RemovedViews = append(c.RemovedViews, key)
		}
	}
	return c
}
