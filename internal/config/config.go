package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingBaseURL = errors.New("base url not configured")
	ErrMissingAppID   = errors.New("app id not configured")
)

// Config models schemaline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Environments map[string]Environment `yaml:"environments" json:"environments"`
	Apps         map[string]App         `yaml:"apps" json:"apps"`
	Rules        struct {
		SystemFields   []string `yaml:"system_fields" json:"system_fields"`
		ImmutableTypes []string `yaml:"immutable_types" json:"immutable_types"`
	} `yaml:"rules" json:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type Environment struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	APIToken string `yaml:"api_token" json:"-"`
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"-"`
}

type App struct {
	IDs map[string]string `yaml:"ids" json:"ids"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Connection is the resolved endpoint and credentials for one environment.
type Connection struct {
	Environment string
	BaseURL     string
	APIToken    string
	Username    string
	Password    string
}

// Lookup resolves an environment variable style key. viper.GetString and
// os.Getenv both fit.
type Lookup func(key string) string

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Base(absOrSelf(workspace))), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	for name := range c.Environments {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.environments contains empty environment name")
		}
	}
	for name, app := range c.Apps {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.apps contains empty app name")
		}
		for env := range app.IDs {
			if strings.TrimSpace(env) == "" {
				return fmt.Errorf("app %s has id for empty environment name", name)
			}
		}
	}
	for _, code := range c.Rules.SystemFields {
		if code == "" {
			return fmt.Errorf("config.rules.system_fields contains empty field code")
		}
	}
	for _, t := range c.Rules.ImmutableTypes {
		if t == "" {
			return fmt.Errorf("config.rules.immutable_types contains empty field type")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout_seconds", i)
		}
	}
	return nil
}

// AppNames returns configured app names in sorted order.
func (c *Config) AppNames() []string {
	names := make([]string, 0, len(c.Apps))
	for name := range c.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connection resolves the endpoint for env. The base URL comes from
// <ENV>_BASE_URL, then the file, then the unscoped BASE_URL. Credentials are
// taken as a set from the first of those tiers that has any, so a token from
// one tier never mixes with a username from another.
func (c *Config) Connection(env string, lookup Lookup) (Connection, error) {
	file := c.Environments[env]
	conn := Connection{
		Environment: env,
		BaseURL:     firstNonEmpty(scoped(lookup, env, "BASE_URL"), file.BaseURL, unscoped(lookup, "BASE_URL")),
	}
	tiers := []credentials{
		{scoped(lookup, env, "API_TOKEN"), scoped(lookup, env, "USERNAME"), scoped(lookup, env, "PASSWORD")},
		{strings.TrimSpace(file.APIToken), strings.TrimSpace(file.Username), file.Password},
		{unscoped(lookup, "API_TOKEN"), unscoped(lookup, "USERNAME"), unscoped(lookup, "PASSWORD")},
	}
	for _, cred := range tiers {
		if cred.set() {
			conn.APIToken, conn.Username, conn.Password = cred.token, cred.username, cred.password
			break
		}
	}
	if conn.BaseURL == "" {
		return conn, fmt.Errorf("%s environment: %w", env, ErrMissingBaseURL)
	}
	return conn, nil
}

type credentials struct {
	token, username, password string
}

func (c credentials) set() bool {
	return c.token != "" || c.username != "" || c.password != ""
}

// AppID resolves the platform app id of app in env. <APP>_<ENV>_ID from
// lookup wins over the file.
func (c *Config) AppID(app, env string, lookup Lookup) (string, error) {
	if lookup != nil {
		if id := strings.TrimSpace(lookup(AppIDVar(app, env))); id != "" {
			return id, nil
		}
	}
	if a, ok := c.Apps[app]; ok {
		if id := strings.TrimSpace(a.IDs[env]); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%s in %s environment: %w", app, env, ErrMissingAppID)
}

// EnvLookup combines the prefixed lookup (viper with the SCHEMALINE prefix)
// with the bare process environment. Only <APP>_<ENV>_ID keys fall back to
// the bare variable; connection keys must carry the prefix.
func EnvLookup(prefixed, bare Lookup) Lookup {
	return func(key string) string {
		if prefixed != nil {
			if v := prefixed(key); v != "" {
				return v
			}
		}
		if bare != nil && strings.HasSuffix(key, "_ID") {
			return bare(key)
		}
		return ""
	}
}

// AppIDVar converts an app name and environment to its id variable.
// order-entry, prod -> ORDER_ENTRY_PROD_ID
func AppIDVar(app, env string) string {
	return fmt.Sprintf("%s_%s_ID", envToken(app), envToken(env))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "schemaline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func scoped(lookup Lookup, env, key string) string {
	if lookup == nil {
		return ""
	}
	return strings.TrimSpace(lookup(envToken(env) + "_" + key))
}

func unscoped(lookup Lookup, key string) string {
	if lookup == nil {
		return ""
	}
	return strings.TrimSpace(lookup(key))
}

func envToken(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

const defaultTemplate = `project:
  id: %s

environments:
  dev:
    base_url: ""
  prod:
    base_url: ""

apps: {}

rules:
  system_fields:
    - レコード番号
    - RECORD_NUMBER
    - 作成者
    - CREATOR
    - 更新者
    - MODIFIER
    - 作成日時
    - CREATED_TIME
    - 更新日時
    - UPDATED_TIME
    - カテゴリー
    - CATEGORY
    - ステータス
    - STATUS
    - 作業者
    - STATUS_ASSIGNEE
    - $id
    - $revision
  immutable_types:
    - RECORD_NUMBER
    - CREATOR
    - MODIFIER
    - CREATED_TIME
    - UPDATED_TIME
    - CATEGORY
    - STATUS
    - STATUS_ASSIGNEE

webhooks: []
`
