// Package server exposes a read-only review API over the workspace: which
// apps exist, what a deploy between two environments would change, and the
// deploy journal. It never calls the platform.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"schemaline/internal/config"
	"schemaline/internal/domain"
	"schemaline/internal/history"
	"schemaline/internal/planner"
	"schemaline/internal/schema"
)

// Config for the HTTP API handler.
type Config struct {
	Project  *config.Config
	Lookup   config.Lookup
	Schemas  schema.Store
	Rules    planner.Rules
	Journal  *history.Journal
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"snapshot_not_found"`
	Message string         `json:"message" example:"orders: no prod snapshot"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the review API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Project == nil {
		return nil, errors.New("server: project config required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Schemaline Review API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerApps(group, cfg)
	registerPlans(group, cfg)
	registerDeploys(group, cfg)
	if err := registerOpenAPI(router, api, basePath); err != nil {
		return nil, err
	}
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(log *zap.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, schema.ErrInvalidName) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var missing *schema.MissingError
	if errors.As(err, &missing) {
		return newAPIError(http.StatusNotFound, "snapshot_not_found", err.Error(), map[string]any{
			"app":         missing.App,
			"environment": missing.Environment,
		})
	}
	if errors.Is(err, history.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	log.Error("request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) error {
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	applyAuthSecurity(oas, basePath)
	spec, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("server: openapi: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	return nil
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Schemaline Review API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := p.Roles
		if roles == nil {
			roles = []string{}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Subject: p.Subject, Roles: roles}}, nil
	})
}

func registerApps(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-apps",
		Method:      http.MethodGet,
		Path:        "/apps",
		Summary:     "List apps with their ids and snapshots",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AppResponse `json:"body"`
	}, error) {
		onDisk, err := cfg.Schemas.Apps()
		if err != nil {
			return nil, handleError(cfg.Logger, err)
		}
		configured := map[string]bool{}
		for _, name := range cfg.Project.AppNames() {
			configured[name] = true
		}
		names := cfg.Project.AppNames()
		for _, name := range onDisk {
			if !configured[name] {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		envs := make([]string, 0, len(cfg.Project.Environments))
		for env := range cfg.Project.Environments {
			envs = append(envs, env)
		}
		sort.Strings(envs)

		out := make([]AppResponse, 0, len(names))
		for _, name := range names {
			resp := AppResponse{Name: name, IDs: map[string]string{}, Snapshots: []SnapshotInfo{}, Configured: configured[name]}
			for _, env := range envs {
				if id, err := cfg.Project.AppID(name, env, cfg.Lookup); err == nil {
					resp.IDs[env] = id
				}
			}
			snapEnvs, err := cfg.Schemas.Environments(name)
			if err != nil {
				return nil, handleError(cfg.Logger, err)
			}
			for _, env := range snapEnvs {
				snap, err := cfg.Schemas.Load(name, env)
				if err != nil {
					return nil, handleError(cfg.Logger, err)
				}
				info := SnapshotInfo{
					Environment: env,
					AppID:       snap.AppID,
					FetchedAt:   snap.FetchedAt,
					Fields:      len(snap.Fields),
					Views:       len(snap.Views),
				}
				if cfg.Journal != nil {
					last, err := cfg.Journal.LastFetch(ctx, name, env)
					switch {
					case err == nil:
						info.LastFetch = &last
					case !errors.Is(err, history.ErrNotFound):
						return nil, handleError(cfg.Logger, err)
					}
				}
				resp.Snapshots = append(resp.Snapshots, info)
			}
			out = append(out, resp)
		}
		return &struct {
			Body []AppResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPlans(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/apps/{app}/plan",
		Summary:     "Plan a deploy between two environments",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		App  string `path:"app"`
		From string `query:"from" required:"true" example:"dev"`
		To   string `query:"to" required:"true" example:"prod"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if input.From == input.To {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and to must differ", nil)
		}
		source, target, err := cfg.Schemas.LoadPair(input.App, input.From, input.To)
		if err != nil {
			return nil, handleError(cfg.Logger, err)
		}
		plan := planner.CreatePlan(source, target, cfg.Rules)
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: PlanResponse{
			App:     input.App,
			From:    input.From,
			To:      input.To,
			Empty:   plan.IsEmpty(),
			Plan:    plan,
			Summary: plan.Summary(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-diff",
		Method:      http.MethodGet,
		Path:        "/apps/{app}/diff",
		Summary:     "Compare two environments of an app",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		App  string `path:"app"`
		From string `query:"from" required:"true" example:"dev"`
		To   string `query:"to" required:"true" example:"prod"`
	}) (*struct {
		Body DiffResponse `json:"body"`
	}, error) {
		from, to, err := cfg.Schemas.LoadPair(input.App, input.From, input.To)
		if err != nil {
			return nil, handleError(cfg.Logger, err)
		}
		return &struct {
			Body DiffResponse `json:"body"`
		}{Body: DiffResponse{
			App:        input.App,
			From:       input.From,
			To:         input.To,
			Comparison: planner.Compare(from, to),
		}}, nil
	})
}

func registerDeploys(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deploys",
		Method:      http.MethodGet,
		Path:        "/deploys",
		Summary:     "List journaled deploys, newest first",
	}, func(ctx context.Context, input *struct {
		App   string `query:"app"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.DeployRun `json:"body"`
	}, error) {
		runs := []domain.DeployRun{}
		if cfg.Journal != nil {
			var err error
			runs, err = cfg.Journal.List(ctx, history.ListFilter{App: input.App, Limit: normalizeLimit(input.Limit)})
			if err != nil {
				return nil, handleError(cfg.Logger, err)
			}
		}
		return &struct {
			Body []domain.DeployRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deploy",
		Method:      http.MethodGet,
		Path:        "/deploys/{id}",
		Summary:     "Get one journaled deploy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.DeployRun `json:"body"`
	}, error) {
		if cfg.Journal == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "deploy journal not available", nil)
		}
		run, err := cfg.Journal.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(cfg.Logger, err)
		}
		return &struct {
			Body domain.DeployRun `json:"body"`
		}{Body: run}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
