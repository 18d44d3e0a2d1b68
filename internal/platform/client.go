package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"schemaline/internal/config"
	"schemaline/internal/domain"
)

var _ API = (*Client)(nil)

// Client is a minimal platform REST API client.
type Client struct {
	BaseURL    string
	APIToken   string
	Username   string
	Password   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// NewFromConnection creates a client for a resolved environment. Token auth
// wins when both a token and a username/password pair are configured.
func NewFromConnection(conn config.Connection) (*Client, error) {
	if conn.BaseURL == "" {
		return nil, config.ErrMissingBaseURL
	}
	if conn.APIToken == "" && (conn.Username == "" || conn.Password == "") {
		return nil, fmt.Errorf("%s environment: api token or username/password required", conn.Environment)
	}
	c := New(conn.BaseURL)
	c.APIToken = conn.APIToken
	c.Username = conn.Username
	c.Password = conn.Password
	return c, nil
}

// APIError wraps non-2xx responses. Errors holds the per-field detail the
// platform returns for rejected payloads.
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	ID         string         `json:"id"`
	Message    string         `json:"message"`
	Errors     map[string]any `json:"errors,omitempty"`
	Body       string         `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorDetail returns the structured detail of err when it is an APIError.
func ErrorDetail(err error) map[string]any {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Errors
	}
	return nil
}

func (c *Client) GetAppSettings(ctx context.Context, app string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, withQuery("app/settings.json", url.Values{"app": {app}}), nil, &resp)
	return resp, err
}

func (c *Client) GetFormFields(ctx context.Context, app string) (map[string]domain.Field, error) {
	var resp struct {
		Properties map[string]domain.Field `json:"properties"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("app/form/fields.json", url.Values{"app": {app}}), nil, &resp)
	return resp.Properties, err
}

func (c *Client) GetFormLayout(ctx context.Context, app string) ([]any, error) {
	var resp struct {
		Layout []any `json:"layout"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("app/form/layout.json", url.Values{"app": {app}}), nil, &resp)
	return resp.Layout, err
}

func (c *Client) GetViews(ctx context.Context, app string) (map[string]domain.View, error) {
	var resp struct {
		Views map[string]domain.View `json:"views"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("app/views.json", url.Values{"app": {app}}), nil, &resp)
	return resp.Views, err
}

func (c *Client) AddFormFields(ctx context.Context, app string, properties map[string]domain.Field) error {
	body := map[string]any{"app": app, "properties": properties}
	return c.do(ctx, http.MethodPost, "preview/app/form/fields.json", body, nil)
}

func (c *Client) UpdateFormFields(ctx context.Context, app string, properties map[string]domain.Field) error {
	body := map[string]any{"app": app, "properties": properties}
	return c.do(ctx, http.MethodPut, "preview/app/form/fields.json", body, nil)
}

func (c *Client) DeleteFormFields(ctx context.Context, app string, codes []string) error {
	body := map[string]any{"app": app, "fields": codes}
	return c.do(ctx, http.MethodDelete, "preview/app/form/fields.json", body, nil)
}

func (c *Client) UpdateViews(ctx context.Context, app string, views map[string]domain.View) error {
	body := map[string]any{"app": app, "views": views}
	return c.do(ctx, http.MethodPut, "preview/app/views.json", body, nil)
}

func (c *Client) UpdateFormLayout(ctx context.Context, app string, layout []any) error {
	body := map[string]any{"app": app, "layout": layout}
	return c.do(ctx, http.MethodPut, "preview/app/form/layout.json", body, nil)
}

func (c *Client) DeployApp(ctx context.Context, app string) error {
	body := map[string]any{"apps": []map[string]string{{"app": app}}}
	return c.do(ctx, http.MethodPost, "preview/app/deploy.json", body, nil)
}

func (c *Client) GetRecords(ctx context.Context, app, query string) ([]domain.Record, error) {
	var resp struct {
		Records []domain.Record `json:"records"`
	}
	params := url.Values{"app": {app}}
	if query != "" {
		params.Set("query", query)
	}
	err := c.do(ctx, http.MethodGet, withQuery("records.json", params), nil, &resp)
	return resp.Records, err
}

func (c *Client) AddRecords(ctx context.Context, app string, records []domain.Record) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	body := map[string]any{"app": app, "records": records}
	err := c.do(ctx, http.MethodPost, "records.json", body, &resp)
	return resp.IDs, err
}

func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "file.json", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp struct {
		FileKey string `json:"fileKey"`
	}
	if err := c.send(req, &resp); err != nil {
		return "", err
	}
	return resp.FileKey, nil
}

func (c *Client) DownloadFile(ctx context.Context, fileKey string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, withQuery("file.json", url.Values{"fileKey": {fileKey}}), nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return decodeAPIError(res)
	}
	_, err = io.Copy(w, res.Body)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := c.base() + "/k/v1/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.APIToken != "":
		req.Header.Set("X-Cybozu-API-Token", c.APIToken)
	case c.Username != "":
		cred := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		req.Header.Set("X-Cybozu-Authorization", cred)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	_ = json.Unmarshal(b, apiErr)
	return apiErr
}

func withQuery(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}
