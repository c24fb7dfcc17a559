// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads daemon configuration from defaults, an optional
// YAML file and environment overrides, in that order of precedence
// (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Sessions SessionConfig  `yaml:"sessions"`
	Worker   WorkerConfig   `yaml:"worker"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RateLimitPerMinute caps control-plane requests per client.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
}

// StoreConfig selects the database backend.
type StoreConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend string `yaml:"backend"`
	// DSN is the sqlite file path or the postgres connection string.
	DSN string `yaml:"dsn"`
}

// SessionConfig holds admission caps and session defaults. The caps are
// hot-reloadable.
type SessionConfig struct {
	MaxGlobal           int `yaml:"maxGlobal"`
	MaxPerUser          int `yaml:"maxPerUser"`
	DefaultDurationDays int `yaml:"defaultDurationDays"`
	DefaultSpeedFactor  int `yaml:"defaultSpeedFactor"`
	InitTimeoutSeconds  int `yaml:"initTimeoutSeconds"`
	SweepIntervalSecs   int `yaml:"sweepIntervalSeconds"`
}

// WorkerConfig tunes worker supervision timing.
type WorkerConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"`
	HeartbeatTimeoutSeconds  int `yaml:"heartbeatTimeoutSeconds"`
	StopGraceMillis          int `yaml:"stopGraceMillis"`
}

// RecoveryConfig tunes startup reconciliation.
type RecoveryConfig struct {
	StaleHours  int    `yaml:"staleHours"`
	SummaryPath string `yaml:"summaryPath"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:               ":8090",
			RateLimitPerMinute: 120,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			DSN:     "data/plantsim.db",
		},
		Sessions: SessionConfig{
			MaxGlobal:           20,
			MaxPerUser:          2,
			DefaultDurationDays: 7,
			DefaultSpeedFactor:  60,
			InitTimeoutSeconds:  30,
			SweepIntervalSecs:   60,
		},
		Worker: WorkerConfig{
			HeartbeatIntervalSeconds: 5,
			HeartbeatTimeoutSeconds:  15,
			StopGraceMillis:          1000,
		},
		Recovery: RecoveryConfig{
			StaleHours:  24,
			SummaryPath: "data/recovery-summary.json",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Loader produces validated Config values from a fixed file path. The
// same loader is reused for hot reloads.
type Loader struct {
	Path string
}

// Load reads defaults, overlays the YAML file when present, overlays
// environment variables and validates the result.
func (l Loader) Load() (Config, error) {
	cfg := Default()

	if l.Path != "" {
		raw, err := os.ReadFile(l.Path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", l.Path, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays PLANTSIM_* environment variables.
func applyEnv(cfg *Config) {
	envStr("PLANTSIM_ADDR", &cfg.Server.Addr)
	envInt("PLANTSIM_RATE_LIMIT", &cfg.Server.RateLimitPerMinute)
	envStr("PLANTSIM_STORE_BACKEND", &cfg.Store.Backend)
	envStr("PLANTSIM_STORE_DSN", &cfg.Store.DSN)
	envInt("PLANTSIM_MAX_GLOBAL_SESSIONS", &cfg.Sessions.MaxGlobal)
	envInt("PLANTSIM_MAX_USER_SESSIONS", &cfg.Sessions.MaxPerUser)
	envInt("PLANTSIM_DEFAULT_DURATION_DAYS", &cfg.Sessions.DefaultDurationDays)
	envInt("PLANTSIM_DEFAULT_SPEED_FACTOR", &cfg.Sessions.DefaultSpeedFactor)
	envInt("PLANTSIM_INIT_TIMEOUT_SECONDS", &cfg.Sessions.InitTimeoutSeconds)
	envInt("PLANTSIM_SWEEP_INTERVAL_SECONDS", &cfg.Sessions.SweepIntervalSecs)
	envInt("PLANTSIM_HEARTBEAT_INTERVAL_SECONDS", &cfg.Worker.HeartbeatIntervalSeconds)
	envInt("PLANTSIM_HEARTBEAT_TIMEOUT_SECONDS", &cfg.Worker.HeartbeatTimeoutSeconds)
	envInt("PLANTSIM_STOP_GRACE_MILLIS", &cfg.Worker.StopGraceMillis)
	envInt("PLANTSIM_RECOVERY_STALE_HOURS", &cfg.Recovery.StaleHours)
	envStr("PLANTSIM_RECOVERY_SUMMARY_PATH", &cfg.Recovery.SummaryPath)
	envStr("PLANTSIM_LOG_LEVEL", &cfg.Log.Level)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("config: server.addr must not be empty")
	}
	switch cfg.Store.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn must not be empty")
	}
	if cfg.Sessions.MaxGlobal <= 0 {
		return fmt.Errorf("config: sessions.maxGlobal must be positive")
	}
	if cfg.Sessions.MaxPerUser <= 0 {
		return fmt.Errorf("config: sessions.maxPerUser must be positive")
	}
	if cfg.Sessions.MaxPerUser > cfg.Sessions.MaxGlobal {
		return fmt.Errorf("config: sessions.maxPerUser (%d) exceeds sessions.maxGlobal (%d)",
			cfg.Sessions.MaxPerUser, cfg.Sessions.MaxGlobal)
	}
	if cfg.Sessions.DefaultDurationDays <= 0 {
		return fmt.Errorf("config: sessions.defaultDurationDays must be positive")
	}
	if cfg.Sessions.DefaultSpeedFactor <= 0 {
		return fmt.Errorf("config: sessions.defaultSpeedFactor must be positive")
	}
	if cfg.Worker.HeartbeatTimeoutSeconds <= cfg.Worker.HeartbeatIntervalSeconds {
		return fmt.Errorf("config: worker.heartbeatTimeoutSeconds must exceed the heartbeat interval")
	}
	return nil
}

// InitTimeout returns the worker init deadline as a duration.
func (c SessionConfig) InitTimeout() time.Duration {
	return time.Duration(c.InitTimeoutSeconds) * time.Second
}

// SweepInterval returns the expiration scan cadence as a duration.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the liveness deadline as a duration.
func (c WorkerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// StopGrace returns the graceful-stop window as a duration.
func (c WorkerConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMillis) * time.Millisecond
}

// StaleAfter returns the recovery staleness cutoff as a duration.
func (c RecoveryConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleHours) * time.Hour
}
