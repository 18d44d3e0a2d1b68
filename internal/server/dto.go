package server

import (
	"schemaline/internal/domain"
	"schemaline/internal/history"
	"schemaline/internal/planner"
)

type SnapshotInfo struct {
	Environment string `json:"environment"`
	AppID       string `json:"app_id"`
	FetchedAt   string `json:"fetched_at" format:"date-time"`
	Fields      int    `json:"fields"`
	Views       int    `json:"views"`
	// LastFetch is the newest journaled fetch, when a journal is open.
	LastFetch *history.Fetch `json:"last_fetch,omitempty"`
}

type AppResponse struct {
	Name       string            `json:"name"`
	IDs        map[string]string `json:"ids"`
	Snapshots  []SnapshotInfo    `json:"snapshots"`
	Configured bool              `json:"configured"`
}

type PlanResponse struct {
	App     string             `json:"app"`
	From    string             `json:"from"`
	To      string             `json:"to"`
	Empty   bool               `json:"empty"`
	Plan    planner.Plan       `json:"plan"`
	Summary domain.PlanSummary `json:"summary"`
}

type DiffResponse struct {
	App        string             `json:"app"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	Comparison planner.Comparison `json:"comparison"`
}

type WhoAmIResponse struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}
