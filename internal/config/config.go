package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const FileName = "pact.yml"

// Config models pact.yml.
type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Identity struct {
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"identity"`
	Store struct {
		Workspace    string        `yaml:"workspace"`
		PollInterval time.Duration `yaml:"poll_interval"`
		RedisURL     string        `yaml:"redis_url"`
	} `yaml:"store"`
	Verification struct {
		MinAnimation time.Duration `yaml:"min_animation"`
	} `yaml:"verification"`
	Community struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"community"`
	Telemetry struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"telemetry"`
	Server struct {
		Addr             string        `yaml:"addr"`
		CronSecret       string        `yaml:"cron_secret"`
		RateLimit        float64       `yaml:"rate_limit"`
		RateBurst        int           `yaml:"rate_burst"`
		ReaperInterval   time.Duration `yaml:"reaper_interval"`
		EvidenceDir      string        `yaml:"evidence_dir"`
		EvidenceS3Bucket string        `yaml:"evidence_s3_bucket"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pact config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("config.api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.api.base_url must be an http(s) url, got %q", c.API.BaseURL)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("config.api.timeout must not be negative")
	}
	if c.Identity.TokenTTL <= 0 {
		return fmt.Errorf("config.identity.token_ttl must be positive")
	}
	if c.Store.PollInterval <= 0 {
		return fmt.Errorf("config.store.poll_interval must be positive")
	}
	if c.Store.RedisURL != "" {
		if _, err := url.Parse(c.Store.RedisURL); err != nil {
			return fmt.Errorf("config.store.redis_url: %w", err)
		}
	}
	if c.Verification.MinAnimation < 0 {
		return fmt.Errorf("config.verification.min_animation must not be negative")
	}
	if c.Community.PollInterval <= 0 {
		return fmt.Errorf("config.community.poll_interval must be positive")
	}
	if c.Telemetry.PollInterval <= 0 {
		return fmt.Errorf("config.telemetry.poll_interval must be positive")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("config.server rate limit values must not be negative")
	}
	if c.Server.ReaperInterval < 0 {
		return fmt.Errorf("config.server.reaper_interval must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// StoreWorkspace resolves the directory holding the document store.
func (c *Config) StoreWorkspace(workspace string) string {
	if c.Store.Workspace != "" {
		return c.Store.Workspace
	}
	if workspace == "" {
		return "."
	}
	return workspace
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// GenerateWithSecrets returns the default YAML with fresh token and cron
// secrets filled in.
func GenerateWithSecrets() string {
	out := strings.Replace(defaultTemplate, `jwt_secret: ""`, fmt.Sprintf("jwt_secret: %q", uuid.NewString()), 1)
	return strings.Replace(out, `cron_secret: ""`, fmt.Sprintf("cron_secret: %q", uuid.NewString()), 1)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
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

const defaultTemplate = `api:
  base_url: http://127.0.0.1:8000
  timeout: 30s

identity:
  jwt_secret: ""
  issuer: pact
  token_ttl: 1h

store:
  workspace: ""
  poll_interval: 500ms
  redis_url: ""

verification:
  min_animation: 3800ms

community:
  poll_interval: 10s

telemetry:
  poll_interval: 5s

server:
  addr: 127.0.0.1:8000
  cron_secret: ""
  rate_limit: 20
  rate_burst: 40
  reaper_interval: 0s
  evidence_dir: ""
  evidence_s3_bucket: ""
`
