// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides layered configuration for the run engine service:
// defaults, then an optional YAML file, then environment variable
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level run engine configuration.
type Config struct {
	// Listen configures the dashboard-facing and runner-facing HTTP
	// listeners.
	Listen ListenConfig `yaml:"listen,omitempty"`

	// Backend configures the relational storage backend.
	Backend BackendConfig `yaml:"backend,omitempty"`

	// Redis configures the Run Queue and delayed-job connection.
	Redis RedisConfig `yaml:"redis,omitempty"`

	// Auth configures JWT validation for the dashboard and runner APIs.
	Auth AuthConfig `yaml:"auth,omitempty"`

	// Lock configures the distributed run lock's lease/retry tuning.
	Lock LockConfig `yaml:"lock,omitempty"`

	// Queue tunes the Priority Strategy's candidate-set sizes.
	Queue QueueConfig `yaml:"queue,omitempty"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log,omitempty"`

	// Observability configures OpenTelemetry tracing export.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`

	// ShutdownTimeout bounds how long serve waits for in-flight requests
	// and background workers to drain on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ListenConfig configures the two HTTP surfaces: the dashboard-facing
// trigger/cancel/status API and the runner-facing supervisor API.
type ListenConfig struct {
	// APIAddr is the dashboard-facing API bind address, e.g. ":8030".
	APIAddr string `yaml:"api_addr,omitempty"`

	// SupervisorAddr is the runner-facing long-poll/heartbeat API bind
	// address, e.g. ":8031".
	SupervisorAddr string `yaml:"supervisor_addr,omitempty"`
}

// BackendConfig selects and configures the relational storage backend.
type BackendConfig struct {
	// Type is one of "postgres", "sqlite", "memory".
	Type     string         `yaml:"type,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	ConnectionString string `yaml:"connection_string,omitempty"`
	MaxOpenConns     int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns     int    `yaml:"max_idle_conns,omitempty"`
}

// SQLiteConfig contains the on-disk SQLite database path.
type SQLiteConfig struct {
	Path string `yaml:"path,omitempty"`
}

// RedisConfig configures the Redis connection shared by the run queue and
// delayed-job worker.
type RedisConfig struct {
	URL    string `yaml:"url,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

// AuthConfig configures JWT validation for the dashboard and runner APIs,
// which use distinct signing secrets and audiences so a runner token can
// never authenticate against the dashboard API or vice versa.
type AuthConfig struct {
	DashboardSecret string `yaml:"dashboard_secret,omitempty"`
	RunnerSecret    string `yaml:"runner_secret,omitempty"`
	Issuer          string `yaml:"issuer,omitempty"`
}

// LockConfig tunes the distributed run lock.
type LockConfig struct {
	// LeaseDuration is how long an advisory lock is held before its
	// keepalive must renew it.
	LeaseDuration time.Duration `yaml:"lease_duration,omitempty"`
	// AcquireTimeout bounds how long WithLock waits for contended locks.
	AcquireTimeout time.Duration `yaml:"acquire_timeout,omitempty"`
}

// QueueConfig tunes the Priority Strategy's candidate-set sizes.
type QueueConfig struct {
	EnvironmentCandidates int `yaml:"environment_candidates,omitempty"`
	QueueCandidates       int `yaml:"queue_candidates,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// ObservabilityConfig configures OpenTelemetry trace export.
type ObservabilityConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name,omitempty"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	SampleFraction string `yaml:"sample_fraction,omitempty"`
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			APIAddr:        ":8030",
			SupervisorAddr: ":8031",
		},
		Backend: BackendConfig{
			Type: "memory",
		},
		Redis: RedisConfig{
			URL:    "redis://127.0.0.1:6379/0",
			Prefix: "runengine:",
		},
		Lock: LockConfig{
			LeaseDuration:  30 * time.Second,
			AcquireTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			EnvironmentCandidates: 3,
			QueueCandidates:       3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads configPath (if non-empty) as YAML over the defaults, then
// applies environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// loadFromEnv overrides fields from RUNENGINE_* environment variables,
// taking precedence over both defaults and the YAML file.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("RUNENGINE_API_ADDR"); v != "" {
		c.Listen.APIAddr = v
	}
	if v := os.Getenv("RUNENGINE_SUPERVISOR_ADDR"); v != "" {
		c.Listen.SupervisorAddr = v
	}
	if v := os.Getenv("RUNENGINE_BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("RUNENGINE_POSTGRES_DSN"); v != "" {
		c.Backend.Postgres.ConnectionString = v
	}
	if v := os.Getenv("RUNENGINE_SQLITE_PATH"); v != "" {
		c.Backend.SQLite.Path = v
	}
	if v := os.Getenv("RUNENGINE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("RUNENGINE_DASHBOARD_SECRET"); v != "" {
		c.Auth.DashboardSecret = v
	}
	if v := os.Getenv("RUNENGINE_RUNNER_SECRET"); v != "" {
		c.Auth.RunnerSecret = v
	}
	if v := os.Getenv("RUNENGINE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RUNENGINE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("RUNENGINE_OTLP_ENDPOINT"); v != "" {
		c.Observability.Enabled = true
		c.Observability.OTLPEndpoint = v
	}
}

// Validate rejects configuration that would prevent the service from
// starting safely.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory":
	case "postgres":
		if c.Backend.Postgres.ConnectionString == "" {
			return fmt.Errorf("backend.postgres.connection_string is required when backend.type is postgres")
		}
	case "sqlite":
		if c.Backend.SQLite.Path == "" {
			return fmt.Errorf("backend.sqlite.path is required when backend.type is sqlite")
		}
	default:
		return fmt.Errorf("unsupported backend type %q", c.Backend.Type)
	}
	if c.Auth.DashboardSecret == "" || c.Auth.RunnerSecret == "" {
		return fmt.Errorf("auth.dashboard_secret and auth.runner_secret are both required")
	}
	return nil
}
