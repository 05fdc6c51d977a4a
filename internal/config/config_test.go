package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/discovery-harvester/pkg/job"
	"github.com/Sternrassler/discovery-harvester/pkg/logging"
	"github.com/google/go-cmp/cmp"
)

func TestLoad_File(t *testing.T) {
	for _, key := range []string{EnvRedisAddr, EnvLogLevel, EnvWorkers, EnvMetricsAddr} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load(filepath.Join("testdata", "job.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"log level", cfg.Log.Level, logging.LevelDebug},
		{"metrics addr", cfg.Metrics.Addr, ":9100"},
		{"cooldown from file", cfg.Credentials.Pool.Cooldown, 20 * time.Minute},
		{"max session uses default kept", cfg.Credentials.Pool.MaxSessionUses, 200},
		{"credential sets", len(cfg.Credentials.Sets), 2},
		{"throttle base_min", cfg.Throttle.BaseMin, 2 * time.Second},
		{"throttle max delay default kept", cfg.Throttle.MaxDelay, 10 * time.Second},
		{"retry default kept", cfg.Retry.MaxAttempts, 4},
		{"token refresh_every default kept", cfg.Tokens.RefreshEvery, 25},
		{"primary page size", cfg.Strategies.Primary.Endpoint.PageSize, 50},
		{"cache ttl", cfg.Cache.TTL, 48 * time.Hour},
		{"workers", cfg.Job.Workers, 3},
		{"slots", cfg.Slots, int64(2)},
		{"extract concurrency", cfg.Extract.Concurrency, 3},
		{"extract mapper default kept", cfg.Extract.Mapper.Caption, "caption.text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	wantTargets := []job.Target{{Entity: "alice", Count: 301}, {Entity: "bob", Count: 50}}
	if diff := cmp.Diff(wantTargets, cfg.Targets); diff != "" {
		t.Errorf("Targets mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("targets: [::"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("Load(bad) error = %v, want parse error", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvRedisAddr:   "redis:6380",
		EnvLogLevel:    "WARN",
		EnvWorkers:     "8",
		EnvMetricsAddr: "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Redis.Addr != "redis:6380" {
		t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "redis:6380")
	}
	if cfg.Log.Level != logging.LevelWarn {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	if cfg.Job.Workers != 8 {
		t.Errorf("Job.Workers = %d, want 8", cfg.Job.Workers)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("Metrics.Addr = %q, want empty (disabled)", cfg.Metrics.Addr)
	}

	env[EnvWorkers] = "many"
	if err := cfg.ApplyEnv(lookup); !errors.Is(err, ErrInvalid) {
		t.Errorf("ApplyEnv(bad workers) error = %v, want ErrInvalid", err)
	}
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Credentials.Sets = []CredentialSetConfig{{ID: "main"}}
	cfg.Strategies.Primary.Endpoint.URL = "https://upstream.example/feed?after={cursor}"
	cfg.Extract.Endpoint.URL = "https://upstream.example/item/{item_id}"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "no credential sets",
			mutate:  func(c *Config) { c.Credentials.Sets = nil },
			wantMsg: "credentials.sets must not be empty",
		},
		{
			name: "duplicate credential id",
			mutate: func(c *Config) {
				c.Credentials.Sets = append(c.Credentials.Sets, CredentialSetConfig{ID: "main"})
			},
			wantMsg: "duplicated",
		},
		{
			name: "no strategies",
			mutate: func(c *Config) {
				c.Strategies = StrategiesConfig{}
			},
			wantMsg: "at least one discovery strategy",
		},
		{
			name: "static seeds alone suffice",
			mutate: func(c *Config) {
				c.Strategies = StrategiesConfig{Static: StaticConfig{Enabled: true, Seeds: map[string][]string{"alice": {"AbC12_XyZ-9"}}}}
			},
		},
		{
			name:    "throttle range inverted",
			mutate:  func(c *Config) { c.Throttle.BaseMax = c.Throttle.BaseMin - time.Second },
			wantMsg: "throttle.base_max",
		},
		{
			name:    "extraction without endpoint",
			mutate:  func(c *Config) { c.Extract.Endpoint.URL = "" },
			wantMsg: "extract.endpoint.url",
		},
		{
			name: "discovery only needs no item endpoint",
			mutate: func(c *Config) {
				c.Extract.Endpoint.URL = ""
				c.Job.SkipExtraction = true
			},
		},
		{
			name:    "cache without redis",
			mutate:  func(c *Config) { c.Cache.Enabled = true },
			wantMsg: "cache.enabled needs redis.addr",
		},
		{
			name:    "non-positive target",
			mutate:  func(c *Config) { c.Targets = []job.Target{{Entity: "alice", Count: 0}} },
			wantMsg: "targets[0].count must be positive",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Job.Workers = 0 },
			wantMsg: "job.workers must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.wantMsg == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}
