// Package config resolves the daemon's workspace configuration: listen
// address, auth token, state database path, backlog/grace/GC tuning, and
// the metrics bind address. Resolution is layered — built-in defaults,
// then <root>/workspace.yaml, then HARNESS_* environment variables, then
// (in the CLIs) flags — each layer only overriding what the previous one
// set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved set of daemon settings.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	AuthToken string `yaml:"authToken"`

	RuntimeRoot string `yaml:"-"` // set by the caller, never from file/env
	SessionName string `yaml:"-"` // non-empty when this daemon serves a named session
	StateDBPath string `yaml:"stateDbPath"`

	BacklogBytes int `yaml:"backlogBytes"`

	GraceSeconds  int `yaml:"graceSeconds"`
	GCTickSeconds int `yaml:"gcTickSeconds"`

	MetricsHost string `yaml:"metricsHost"`
	MetricsPort int    `yaml:"metricsPort"`
}

// Defaults returns the built-in configuration, used as the base layer that
// the workspace file and then the environment overlay on top of.
func Defaults(runtimeRoot string) Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          4777,
		RuntimeRoot:   runtimeRoot,
		StateDBPath:   filepath.Join(runtimeRoot, "control-plane.sqlite"),
		BacklogBytes:  256 * 1024,
		GraceSeconds:  30,
		GCTickSeconds: 10,
		MetricsHost:   "127.0.0.1",
		MetricsPort:   4778,
	}
}

// GraceDuration and GCTickDuration convert the configured seconds fields.
func (c Config) GraceDuration() time.Duration  { return time.Duration(c.GraceSeconds) * time.Second }
func (c Config) GCTickDuration() time.Duration { return time.Duration(c.GCTickSeconds) * time.Second }

// Addr returns the dispatcher's listen address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// MetricsAddr returns the metrics server's bind address.
func (c Config) MetricsAddr() string { return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort) }

// Load resolves configuration for a daemon rooted at runtimeRoot: it starts
// from Defaults, overlays <runtimeRoot>/workspace.yaml if present, then
// overlays any set HARNESS_* environment variables. It never errors on a
// missing workspace.yaml — an absent file just means "use the defaults".
func Load(runtimeRoot string) (Config, error) {
	cfg := Defaults(runtimeRoot)

	yamlPath := filepath.Join(runtimeRoot, "workspace.yaml")
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
		cfg.RuntimeRoot = runtimeRoot
	}

	applyEnvOverlay(&cfg)

	if cfg.AuthToken == "" {
		return cfg, fmt.Errorf("config: authToken must be set (workspace.yaml or HARNESS_AUTH_TOKEN)")
	}
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("HARNESS_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("HARNESS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("HARNESS_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("HARNESS_STATE_DB_PATH"); v != "" {
		cfg.StateDBPath = v
	}
	if v := os.Getenv("HARNESS_BACKLOG_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BacklogBytes = n
		}
	}
	if v := os.Getenv("HARNESS_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GraceSeconds = n
		}
	}
	if v := os.Getenv("HARNESS_GC_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GCTickSeconds = n
		}
	}
	if v := os.Getenv("HARNESS_METRICS_HOST"); v != "" {
		cfg.MetricsHost = v
	}
	if v := os.Getenv("HARNESS_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
		}
	}
}
