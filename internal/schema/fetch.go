package schema

import (
	"context"
	"fmt"
	"time"

	"schemaline/internal/domain"
	"schemaline/internal/platform"
)

// Fetcher downloads the live structure of apps into the store.
type Fetcher struct {
	API   platform.SchemaReader
	Store Store
	Now   func() time.Time
}

// FetchRequest names one app in one environment.
type FetchRequest struct {
	AppName     string
	AppID       string
	Environment string
	BaseURL     string
}

// Fetch reads settings, fields, layout and views of req.AppID and saves
// them as a snapshot. Nothing is written when any read fails.
func (f Fetcher) Fetch(ctx context.Context, req FetchRequest) (domain.Snapshot, string, error) {
	if f.Now == nil {
		f.Now = time.Now
	}
	settings, err := f.API.GetAppSettings(ctx, req.AppID)
	if err != nil {
		return domain.Snapshot{}, "", fmt.Errorf("app settings: %w", err)
	}
	fields, err := f.API.GetFormFields(ctx, req.AppID)
	if err != nil {
		return domain.Snapshot{}, "", fmt.Errorf("form fields: %w", err)
	}
	layout, err := f.API.GetFormLayout(ctx, req.AppID)
	if err != nil {
		return domain.Snapshot{}, "", fmt.Errorf("form layout: %w", err)
	}
	views, err := f.API.GetViews(ctx, req.AppID)
	if err != nil {
		return domain.Snapshot{}, "", fmt.Errorf("views: %w", err)
	}
	snap := domain.Snapshot{
		AppID:       req.AppID,
		AppName:     req.AppName,
		Environment: req.Environment,
		FetchedAt:   f.Now().UTC().Format(time.RFC3339),
		BaseURL:     req.BaseURL,
		Settings:    settings,
		Fields:      orEmpty(fields),
		Layout:      layout,
		Views:       orEmpty(views),
	}
	if snap.Layout == nil {
		snap.Layout = []any{}
	}
	path, err := f.Store.Save(snap)
	if err != nil {
		return domain.Snapshot{}, "", err
	}
	return snap, path, nil
}

func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
