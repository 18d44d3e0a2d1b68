package schemalinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal client for the Schemaline review API.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Snapshot describes one stored snapshot of an app.
type Snapshot struct {
	Environment string `json:"environment"`
	AppID       string `json:"app_id"`
	FetchedAt   string `json:"fetched_at"`
	Fields      int    `json:"fields"`
	Views       int    `json:"views"`
}

// App is a configured or snapshotted app.
type App struct {
	Name       string            `json:"name"`
	IDs        map[string]string `json:"ids"`
	Snapshots  []Snapshot        `json:"snapshots"`
	Configured bool              `json:"configured"`
}

// Plan lists the keys a deploy would add, update or delete.
type Plan struct {
	FieldsToAdd    []string `json:"fieldsToAdd"`
	FieldsToUpdate []string `json:"fieldsToUpdate"`
	FieldsToDelete []string `json:"fieldsToDelete"`
	ViewsToAdd     []string `json:"viewsToAdd"`
	ViewsToUpdate  []string `json:"viewsToUpdate"`
	ViewsToDelete  []string `json:"viewsToDelete"`
	LayoutChanged  bool     `json:"layoutChanged"`
}

type PlanResult struct {
	App   string `json:"app"`
	From  string `json:"from"`
	To    string `json:"to"`
	Empty bool   `json:"empty"`
	Plan  Plan   `json:"plan"`
}

type TypeChange struct {
	Code string `json:"code"`
	From string `json:"from"`
	To   string `json:"to"`
}

type Comparison struct {
	AddedFields   []string     `json:"addedFields"`
	RemovedFields []string     `json:"removedFields"`
	ChangedFields []TypeChange `json:"changedFields"`
	AddedViews    []string     `json:"addedViews"`
	RemovedViews  []string     `json:"removedViews"`
}

type DiffResult struct {
	App        string     `json:"app"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Comparison Comparison `json:"comparison"`
}

// DeployRun is a journaled deploy.
type DeployRun struct {
	ID         string  `json:"id"`
	AppName    string  `json:"app_name"`
	AppID      string  `json:"app_id"`
	FromEnv    string  `json:"from_env"`
	ToEnv      string  `json:"to_env"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	BackupPath string  `json:"backup_path,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Apps lists apps with their ids and snapshots.
func (c *Client) Apps(ctx context.Context) ([]App, error) {
	var resp []App
	err := c.do(ctx, http.MethodGet, "apps", &resp)
	return resp, err
}

// Plan returns what deploying app from one environment to another would change.
func (c *Client) Plan(ctx context.Context, app, from, to string) (PlanResult, error) {
	var resp PlanResult
	err := c.do(ctx, http.MethodGet, envPath(app, "plan", from, to), &resp)
	return resp, err
}

// Diff compares two snapshots of app.
func (c *Client) Diff(ctx context.Context, app, from, to string) (DiffResult, error) {
	var resp DiffResult
	err := c.do(ctx, http.MethodGet, envPath(app, "diff", from, to), &resp)
	return resp, err
}

// Deploys lists journaled deploys, newest first. An empty app lists all.
func (c *Client) Deploys(ctx context.Context, app string, limit int) ([]DeployRun, error) {
	params := url.Values{}
	if app != "" {
		params.Set("app", app)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "deploys"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []DeployRun
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// Deploy fetches one journaled deploy by id.
func (c *Client) Deploy(ctx context.Context, id string) (DeployRun, error) {
	var resp DeployRun
	err := c.do(ctx, http.MethodGet, "deploys/"+url.PathEscape(id), &resp)
	return resp, err
}

func envPath(app, op, from, to string) string {
	params := url.Values{"from": {from}, "to": {to}}
	return fmt.Sprintf("apps/%s/%s?%s", url.PathEscape(app), op, params.Encode())
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(bytes.NewReader(b)).Decode(&envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
