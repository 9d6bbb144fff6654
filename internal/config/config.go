package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml.
type Config struct {
	Workflow struct {
		Project       string `yaml:"project"`
		ManagersGroup string `yaml:"managers_group"`
	} `yaml:"workflow"`
	Accept    AcceptConfig    `yaml:"accept"`
	Promotion PromotionConfig `yaml:"promotion"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Cache     struct {
		Size int `yaml:"size"`
	} `yaml:"cache"`
}

type AcceptConfig struct {
	// Roles on a target project that allow accepting requests into it.
	Roles             []string      `yaml:"roles"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	ManagersMayAccept bool          `yaml:"managers_may_accept"`
}

type PromotionConfig struct {
	Backend string `yaml:"backend"`
	Root    string `yaml:"root"`
	Bucket  string `yaml:"bucket"`
}

type JobsConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	MaxRetries   int           `yaml:"max_retries"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StuckTimeout time.Duration `yaml:"stuck_timeout"`
}

// Load reads and validates config from workspace. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Accept.Roles) == 0 {
		return fmt.Errorf("config.accept.roles is required")
	}
	for _, r := range c.Accept.Roles {
		if r == "" {
			return fmt.Errorf("config.accept.roles contains empty role")
		}
	}
	if c.Accept.LockTTL <= 0 {
		return fmt.Errorf("config.accept.lock_ttl must be positive")
	}
	if c.Accept.ManagersMayAccept && c.Workflow.ManagersGroup == "" {
		return fmt.Errorf("config.accept.managers_may_accept requires config.workflow.managers_group")
	}
	switch c.Promotion.Backend {
	case "local":
		if c.Promotion.Root == "" {
			return fmt.Errorf("config.promotion.root is required for the local backend")
		}
	case "minio":
		if c.Promotion.Bucket == "" {
			return fmt.Errorf("config.promotion.bucket is required for the minio backend")
		}
	default:
		return fmt.Errorf("config.promotion.backend must be 'local' or 'minio'")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("config.jobs.concurrency must be positive")
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("config.jobs.max_retries must not be negative")
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("config.jobs.poll_interval must be positive")
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("config.cache.size must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

const defaultTemplate = `workflow:
  project: ""
  managers_group: ""

accept:
  roles: [maintainer]
  lock_ttl: 5m
  managers_may_accept: false

promotion:
  backend: local
  root: .stageline/content
  bucket: ""

jobs:
  concurrency: 2
  max_retries: 3
  poll_interval: 2s
  stuck_timeout: 10m

cache:
  size: 256
`
