// Package notify posts deploy events to the webhooks listed in the project
// config. Delivery is best effort: failures are logged and never returned
// to the deploy that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"schemaline/internal/config"
	"schemaline/internal/domain"
)

const (
	EventDeploySucceeded = "deploy.succeeded"
	EventDeployFailed    = "deploy.failed"

	defaultWebhookTimeout = 5 * time.Second
)

// Event is the JSON body delivered to each webhook.
type Event struct {
	Type      string           `json:"type"`
	ProjectID string           `json:"project_id"`
	TS        string           `json:"ts"`
	Run       domain.DeployRun `json:"run"`
}

type Dispatcher struct {
	project  string
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

// New returns nil when cfg has no webhooks; a nil *Dispatcher ignores events.
func New(cfg *config.Config, logger *zap.Logger) *Dispatcher {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		project:  cfg.Project.ID,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		now:      time.Now,
	}
}

// EventFor maps a finished run to its event type.
func EventFor(run domain.DeployRun) string {
	if run.Status == domain.RunSucceeded {
		return EventDeploySucceeded
	}
	return EventDeployFailed
}

// Notify delivers run to every enabled webhook subscribed to its event.
func (d *Dispatcher) Notify(ctx context.Context, run domain.DeployRun) {
	if d == nil {
		return
	}
	evt := Event{
		Type:      EventFor(run),
		ProjectID: d.project,
		TS:        d.now().UTC().Format(time.RFC3339),
		Run:       run,
	}
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(evt.Type) {
			continue
		}
		if err := d.post(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.String("event", evt.Type),
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Schemaline-Event", evt.Type)
	req.Header.Set("X-Schemaline-Delivery", evt.Run.ID)
	req.Header.Set("X-Schemaline-Project", d.project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Schemaline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
