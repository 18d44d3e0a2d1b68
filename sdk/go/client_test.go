package schemalinesdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"schemaline/internal/config"
	"schemaline/internal/domain"
	"schemaline/internal/planner"
	"schemaline/internal/schema"
	"schemaline/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	workspace := t.TempDir()
	store := schema.Store{Workspace: workspace}
	for _, snap := range []domain.Snapshot{
		{AppID: "1", AppName: "orders", Environment: "dev", Fields: map[string]domain.Field{
			"title": {"type": "SINGLE_LINE_TEXT", "code": "title", "label": "Title"},
		}, Views: map[string]domain.View{}},
		{AppID: "2", AppName: "orders", Environment: "prod", Fields: map[string]domain.Field{}, Views: map[string]domain.View{}},
	} {
		if _, err := store.Save(snap); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}
	cfg := config.Default("sdk")
	handler, err := server.New(server.Config{
		Project:  cfg,
		Schemas:  store,
		Rules:    planner.RulesFromConfig(cfg),
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: secret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ci",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestClientPlanAndApps(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, token(t))
	ctx := context.Background()

	apps, err := c.Apps(ctx)
	if err != nil {
		t.Fatalf("apps: %v", err)
	}
	if len(apps) != 1 || apps[0].Name != "orders" || len(apps[0].Snapshots) != 2 {
		t.Fatalf("unexpected apps: %+v", apps)
	}

	plan, err := c.Plan(ctx, "orders", "dev", "prod")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Empty || len(plan.Plan.FieldsToAdd) != 1 || plan.Plan.FieldsToAdd[0] != "title" {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	diff, err := c.Diff(ctx, "orders", "dev", "prod")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff.Comparison.AddedFields) != 1 {
		t.Fatalf("unexpected diff: %+v", diff)
	}

	runs, err := c.Deploys(ctx, "orders", 5)
	if err != nil {
		t.Fatalf("deploys: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no runs without a journal, got %d", len(runs))
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	_, err := New(srv.URL, token(t)).Plan(ctx, "orders", "dev", "staging")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 404 || apiErr.Code != "snapshot_not_found" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}

	_, err = New(srv.URL, "").Apps(ctx)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
}
