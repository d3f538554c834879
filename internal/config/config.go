package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shopline/internal/domain"
)

// Reconcile policies applied when a remote mutation fails after the optimistic apply.
const (
	ReconcileKeep     = "keep"
	ReconcileRollback = "rollback"
)

// Config models shopline.yml.
type Config struct {
	Timeline struct {
		DefaultWindow time.Duration `yaml:"default_window"`
		DefaultStatus string        `yaml:"default_status"`
		Location      string        `yaml:"location"`
	} `yaml:"timeline"`
	WorkOrders struct {
		EditableStatuses []string `yaml:"editable_statuses"`
	} `yaml:"work_orders"`
	Reconcile struct {
		OnRemoteFailure string `yaml:"on_remote_failure"`
	} `yaml:"reconcile"`
	Remote struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"remote"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Areas []string `yaml:"areas"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with sl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the defaults when the config file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Timeline.DefaultWindow <= 0 {
		return fmt.Errorf("config.timeline.default_window must be positive")
	}
	s, ok := domain.ParseStatus(c.Timeline.DefaultStatus)
	if !ok {
		return fmt.Errorf("config.timeline.default_status %q is not a known status", c.Timeline.DefaultStatus)
	}
	if s == domain.StatusOrderCreated {
		return fmt.Errorf("config.timeline.default_status cannot be OrderCreated")
	}
	if _, err := time.LoadLocation(c.Timeline.Location); err != nil {
		return fmt.Errorf("config.timeline.location: %w", err)
	}
	for _, label := range c.WorkOrders.EditableStatuses {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("config.work_orders.editable_statuses contains an empty label")
		}
	}
	switch c.Reconcile.OnRemoteFailure {
	case ReconcileKeep, ReconcileRollback:
	default:
		return fmt.Errorf("config.reconcile.on_remote_failure must be %q or %q", ReconcileKeep, ReconcileRollback)
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("config.remote.timeout must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	for _, a := range c.Areas {
		if len(strings.TrimSpace(a)) != 1 {
			return fmt.Errorf("area %q must be a single letter", a)
		}
	}
	return nil
}

// DefaultStatus returns the parsed textual default status.
func (c *Config) DefaultStatus() domain.Status {
	s, ok := domain.ParseStatus(c.Timeline.DefaultStatus)
	if !ok {
		return domain.StatusIdle
	}
	return s
}

// LocationOrUTC returns the configured plant time zone.
func (c *Config) LocationOrUTC() *time.Location {
	loc, err := time.LoadLocation(c.Timeline.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// OrderEditable reports whether a work order with label may still be moved.
func (c *Config) OrderEditable(label string) bool {
	for _, l := range c.WorkOrders.EditableStatuses {
		if strings.EqualFold(l, strings.TrimSpace(label)) {
			return true
		}
	}
	return false
}

// Rollback reports whether failed remote mutations restore the previous local state.
func (c *Config) Rollback() bool {
	return c.Reconcile.OnRemoteFailure == ReconcileRollback
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shopline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `timeline:
  default_window: 2h
  default_status: Idle
  location: UTC

work_orders:
  editable_statuses:
    - scheduled
    - released

reconcile:
  # keep: local edits stay after a failed remote call and are reconciled on the next load.
  # rollback: the previous local state is restored.
  on_remote_failure: keep

remote:
  url: ""
  timeout: 10s

server:
  base_path: /v0

logging:
  level: info
  format: text
`
