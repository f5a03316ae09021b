package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"teamboard/internal/workflow"
)

// Config models teamboard.yml.
type Config struct {
	Team struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"team"`
	Workflow  workflow.Policy `yaml:"workflow"`
	Conflicts struct {
		WindowMS int `yaml:"window_ms"`
	} `yaml:"conflicts"`
	Scoring  Scoring   `yaml:"scoring"`
	Channel  Channel   `yaml:"channel"`
	Store    Store     `yaml:"store"`
	Webhooks []Webhook `yaml:"webhooks"`
	Retry    Retry     `yaml:"retry"`
}

type Scoring struct {
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	CacheSize       int      `yaml:"cache_size"`
	Provider        Provider `yaml:"provider"`
}

type Provider struct {
	Kind           string  `yaml:"kind"`
	URL            string  `yaml:"url"`
	Seed           int64   `yaml:"seed"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Dependencies   float64 `yaml:"dependencies"`
	TeamWorkload   float64 `yaml:"team_workload"`
}

type Channel struct {
	Transport string `yaml:"transport"`
	Redis     struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type Retry struct {
	MaxAttempts       int `yaml:"max_attempts"`
	InitialIntervalMS int `yaml:"initial_interval_ms"`
}

const (
	ProviderRandom = "random"
	ProviderStatic = "static"
	ProviderHTTP   = "http"

	TransportMemory = "memory"
	TransportRedis  = "redis"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tb team init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Team.ID == "" {
		return fmt.Errorf("config.team.id is required")
	}
	if err := c.Workflow.Check(); err != nil {
		return fmt.Errorf("config.workflow: %w", err)
	}
	if c.Conflicts.WindowMS < 0 {
		return fmt.Errorf("config.conflicts.window_ms must not be negative")
	}
	if c.Scoring.CacheTTLSeconds < 0 || c.Scoring.CacheSize < 0 {
		return fmt.Errorf("config.scoring cache settings must not be negative")
	}
	switch c.Scoring.Provider.Kind {
	case "", ProviderRandom:
	case ProviderStatic:
		for name, v := range map[string]float64{"dependencies": c.Scoring.Provider.Dependencies, "team_workload": c.Scoring.Provider.TeamWorkload} {
			if v < 0 || v > 1 {
				return fmt.Errorf("config.scoring.provider.%s must be within [0,1]", name)
			}
		}
	case ProviderHTTP:
		if c.Scoring.Provider.URL == "" {
			return fmt.Errorf("config.scoring.provider.url is required for the http provider")
		}
	default:
		return fmt.Errorf("config.scoring.provider.kind must be random, static or http")
	}
	switch c.Channel.Transport {
	case "", TransportMemory:
	case TransportRedis:
		if c.Channel.Redis.Addr == "" {
			return fmt.Errorf("config.channel.redis.addr is required for the redis transport")
		}
	default:
		return fmt.Errorf("config.channel.transport must be memory or redis")
	}
	switch c.Store.Driver {
	case "", DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config.store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.InitialIntervalMS < 0 {
		return fmt.Errorf("config.retry settings must not be negative")
	}
	return nil
}

// ConflictWindow returns the detection window, defaulting to two seconds.
func (c *Config) ConflictWindow() time.Duration {
	if c.Conflicts.WindowMS <= 0 {
		return 2000 * time.Millisecond
	}
	return time.Duration(c.Conflicts.WindowMS) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Scoring.CacheTTLSeconds) * time.Second
}

func (c *Config) RetryAttempts() int {
	if c.Retry.MaxAttempts <= 0 {
		return 3
	}
	return c.Retry.MaxAttempts
}

func (c *Config) RetryInterval() time.Duration {
	if c.Retry.InitialIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.Retry.InitialIntervalMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "teamboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(teamID string) string {
	return fmt.Sprintf(defaultTemplate, teamID, teamID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a team.
func Default(teamID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(teamID))).Decode(&cfg)
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

const defaultTemplate = `team:
  id: %s
  name: %s

workflow:
  guards:
    - from: "*"
      to: cancelled
      require: [comment]
    - from: pending_review
      to: rework
      require: [comment]
    - from: in_progress
      to: blocked
      require: [comment]

conflicts:
  window_ms: 2000

scoring:
  cache_ttl_seconds: 300
  cache_size: 1024
  provider:
    kind: random
    seed: 1

channel:
  transport: memory

store:
  driver: sqlite

retry:
  max_attempts: 3
  initial_interval_ms: 100
`
