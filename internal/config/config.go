package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml. The file is workspace-level: it seeds the
// global stage catalog, extends the stage-name denylist, and configures the
// HTTP server and webhooks.
type Config struct {
	Catalog struct {
		Seed []SeedStage `yaml:"seed"`
	} `yaml:"catalog"`
	Denylist []string `yaml:"denylist"`
	Server   struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SeedStage struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for i, s := range c.Catalog.Seed {
		name := strings.TrimSpace(s.Name)
		if len(name) < 3 || len(name) > 100 {
			return fmt.Errorf("catalog.seed[%d]: name must be 3-100 characters", i)
		}
	}
	for i, p := range c.Denylist {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("denylist[%d]: empty pattern", i)
		}
	}
	for i, h := range c.Webhooks {
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d]: timeout_seconds must be >= 0", i)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML, suitable for writing a
// starter stageline.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `catalog:
  seed:
    - name: Planning
      description: "Scope the work and agree on deliverables"
    - name: Design
      description: "Produce and review the solution design"
    - name: Implementation
      description: "Build the agreed deliverables"
    - name: Review
      description: "Validate the result with stakeholders"
    - name: Handover
      description: "Deliver, document, and close out"

denylist: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_legacy_actor_header: false

webhooks: []
`
