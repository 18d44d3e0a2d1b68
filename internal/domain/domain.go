package domain

import (
	"fmt"
	"strconv"
)

// Field is a platform field definition keyed by attribute name. Only type
// and label are interpreted; everything else is carried through as-is.
type Field map[string]any

func (f Field) Type() string  { return stringAttr(f, "type") }
func (f Field) Label() string { return stringAttr(f, "label") }

// View is a platform view definition.
type View map[string]any

func (v View) Type() string { return stringAttr(v, "type") }

// Snapshot is the captured structure of one app in one environment.
type Snapshot struct {
	AppID       string           `json:"appId"`
	AppName     string           `json:"appName"`
	Environment string           `json:"environment"`
	FetchedAt   string           `json:"fetchedAt" format:"date-time"`
	BaseURL     string           `json:"baseUrl"`
	Settings    map[string]any   `json:"settings"`
	Fields      map[string]Field `json:"fields"`
	Layout      []any            `json:"layout"`
	Views       map[string]View  `json:"views"`
}

// Record is a platform record: field code -> {type, value}.
type Record map[string]any

// ID returns the internal $id of the record.
func (r Record) ID() (int64, error) {
	raw, ok := r["$id"]
	if !ok {
		return 0, fmt.Errorf("record has no $id")
	}
	if m, ok := raw.(map[string]any); ok {
		raw = m["value"]
	}
	switch v := raw.(type) {
	case string:
		return strconv.ParseInt(v, 10, 64)
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("record $id has unexpected type %T", raw)
	}
}

type BackupMetadata struct {
	AppID        string `json:"appId"`
	AppName      string `json:"appName"`
	Environment  string `json:"environment"`
	BackupAt     string `json:"backupAt" format:"date-time"`
	BaseURL      string `json:"baseUrl"`
	TotalRecords int    `json:"totalRecords"`
	Reason       string `json:"reason,omitempty"`
	Query        string `json:"query,omitempty"`
}

type Backup struct {
	Metadata BackupMetadata `json:"metadata"`
	Records  []Record       `json:"records"`
}

// PlanSummary counts the buckets of a deploy plan.
type PlanSummary struct {
	FieldsAdded   int  `json:"fields_added"`
	FieldsUpdated int  `json:"fields_updated"`
	FieldsDeleted int  `json:"fields_deleted"`
	ViewsAdded    int  `json:"views_added"`
	ViewsUpdated  int  `json:"views_updated"`
	ViewsDeleted  int  `json:"views_deleted"`
	LayoutChanged bool `json:"layout_changed"`
}

// DeployRun is one journaled deploy of one app.
type DeployRun struct {
	ID         string      `json:"id"`
	AppName    string      `json:"app_name"`
	AppID      string      `json:"app_id"`
	FromEnv    string      `json:"from_env"`
	ToEnv      string      `json:"to_env"`
	Status     string      `json:"status" enum:"running,succeeded,failed"`
	Error      string      `json:"error,omitempty"`
	BackupPath string      `json:"backup_path,omitempty"`
	Summary    PlanSummary `json:"summary"`
	StartedAt  string      `json:"started_at" format:"date-time"`
	FinishedAt *string     `json:"finished_at,omitempty" format:"date-time"`
}

const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

func stringAttr(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
