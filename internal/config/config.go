// Package config loads the harvest job configuration: a YAML file layered
// over defaults, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Sternrassler/discovery-harvester/pkg/cache"
	"github.com/Sternrassler/discovery-harvester/pkg/client"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/Sternrassler/discovery-harvester/pkg/discovery"
	"github.com/Sternrassler/discovery-harvester/pkg/extract"
	"github.com/Sternrassler/discovery-harvester/pkg/job"
	"github.com/Sternrassler/discovery-harvester/pkg/logging"
	"github.com/Sternrassler/discovery-harvester/pkg/throttle"
	"github.com/Sternrassler/discovery-harvester/pkg/token"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvRedisAddr   = "HARVEST_REDIS_ADDR"
	EnvLogLevel    = "HARVEST_LOG_LEVEL"
	EnvWorkers     = "HARVEST_WORKERS"
	EnvMetricsAddr = "HARVEST_METRICS_ADDR"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the whole job configuration.
type Config struct {
	Log     logging.Config `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Redis   RedisConfig    `yaml:"redis"`

	Credentials CredentialsConfig  `yaml:"credentials"`
	Tokens      token.Config       `yaml:"tokens"`
	Throttle    throttle.Config    `yaml:"throttle"`
	HTTP        client.Config      `yaml:"http"`
	Retry       client.RetryConfig `yaml:"retry"`

	// Slots bounds in-flight upstream operations across all entities.
	Slots int64 `yaml:"slots"`

	Discovery  discovery.Config `yaml:"discovery"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Extract    extract.Config   `yaml:"extract"`
	Cache      CacheConfig      `yaml:"cache"`
	Sink       SinkConfig       `yaml:"sink"`
	Job        job.Config       `yaml:"job"`

	Targets []job.Target `yaml:"targets"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr to serve /metrics on; empty disables it.
	Addr string `yaml:"addr"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	// Addr of the Redis server; empty disables every Redis-backed component.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CredentialSetConfig is one configured identity.
type CredentialSetConfig struct {
	ID        string            `yaml:"id"`
	Cookies   map[string]string `yaml:"cookies"`
	UserAgent string            `yaml:"user_agent"`
}

// CredentialsConfig holds the pool and its members.
type CredentialsConfig struct {
	Pool credentials.Config    `yaml:"pool"`
	Sets []CredentialSetConfig `yaml:"sets"`
}

// StaticConfig configures the static fallback.
type StaticConfig struct {
	Enabled bool `yaml:"enabled"`

	// Seeds lists known identifiers per entity.
	Seeds map[string][]string `yaml:"seeds"`

	// FromSink also seeds from identifiers the Redis sink has stored.
	FromSink bool `yaml:"from_sink"`
}

// StrategiesConfig lists the discovery strategies in their fixed order.
// A paginated or scrape strategy without an endpoint URL is left out.
type StrategiesConfig struct {
	Primary   discovery.PaginatedConfig `yaml:"primary"`
	Alternate discovery.PaginatedConfig `yaml:"alternate"`
	Scrape    discovery.ScrapeConfig    `yaml:"scrape"`
	Static    StaticConfig              `yaml:"static"`
}

// CacheConfig configures the raw record cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	cache.Config `yaml:",inline"`
}

// SinkConfig selects where outcomes go. Both may be enabled.
type SinkConfig struct {
	// Dir enables the JSON Lines sink.
	Dir string `yaml:"dir"`

	// Redis enables the Redis sink.
	Redis bool `yaml:"redis"`

	// Prefix namespaces the Redis sink keys.
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Log:     logging.DefaultConfig(),
		Metrics: MetricsConfig{Addr: ":9090"},
		Credentials: CredentialsConfig{
			Pool: credentials.DefaultConfig(),
		},
		Tokens:    token.DefaultConfig(),
		Throttle:  throttle.DefaultConfig(),
		HTTP:      client.DefaultConfig(),
		Retry:     client.DefaultRetryConfig(),
		Slots:     4,
		Discovery: discovery.DefaultConfig(),
		Strategies: StrategiesConfig{
			Static: StaticConfig{Enabled: true},
		},
		Extract: extract.DefaultConfig(),
		Cache: CacheConfig{
			Config: cache.DefaultConfig(),
		},
		Sink: SinkConfig{Dir: "out"},
		Job:  job.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path comes from the command line
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRedisAddr); ok {
		c.Redis.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = logging.LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, EnvWorkers, v)
		}
		c.Job.Workers = n
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate checks the configuration for values the components cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.Credentials.Sets) == 0 {
		add("credentials.sets must not be empty")
	}
	seen := make(map[string]bool, len(c.Credentials.Sets))
	for i, set := range c.Credentials.Sets {
		switch {
		case set.ID == "":
			add("credentials.sets[%d].id is required", i)
		case seen[set.ID]:
			add("credentials.sets[%d].id %q is duplicated", i, set.ID)
		}
		seen[set.ID] = true
	}
	if c.Credentials.Pool.MaxSessionUses <= 0 {
		add("credentials.pool.max_session_uses must be positive")
	}

	if c.Throttle.BaseMax < c.Throttle.BaseMin {
		add("throttle.base_max must not be below throttle.base_min")
	}
	if c.Throttle.GlobalRPS < 0 {
		add("throttle.global_rps must not be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts must be positive")
	}
	if c.Slots <= 0 {
		add("slots must be positive")
	}
	if c.Job.Workers <= 0 {
		add("job.workers must be positive")
	}
	if c.Discovery.IDLength <= 0 {
		add("discovery.id_length must be positive")
	}

	if !c.Strategies.any() {
		add("at least one discovery strategy must be configured")
	}
	if c.Strategies.Static.FromSink && (!c.Sink.Redis || c.Redis.Addr == "") {
		add("strategies.static.from_sink needs sink.redis and redis.addr")
	}
	if !c.Job.SkipExtraction && !c.Extract.Endpoint.Enabled() {
		add("extract.endpoint.url is required unless job.skip_extraction is set")
	}
	if c.Cache.Enabled && c.Redis.Addr == "" {
		add("cache.enabled needs redis.addr")
	}
	if c.Sink.Redis && c.Redis.Addr == "" {
		add("sink.redis needs redis.addr")
	}
	for i, t := range c.Targets {
		if t.Entity == "" {
			add("targets[%d].entity is required", i)
		}
		if t.Count <= 0 {
			add("targets[%d].count must be positive", i)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (s StrategiesConfig) any() bool {
	return s.Primary.Endpoint.Enabled() ||
		s.Alternate.Endpoint.Enabled() ||
		s.Scrape.Endpoint.Enabled() ||
		(s.Static.Enabled && (len(s.Static.Seeds) > 0 || s.Static.FromSink))
}
