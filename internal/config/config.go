// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package config loads and validates the Tinsmith configuration.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, an optional YAML config file, and
// built-in defaults. The supervisor and workers consume the validated
// Config struct only; no other package parses raw configuration text.
//
// All violations are reported before any worker is spawned and unwrap to
// ErrInvalid, so callers can distinguish configuration failures from
// runtime ones.
package config

import (
	"errors"
	"time"
)

// ErrInvalid marks a configuration that failed validation. Every validation
// failure wraps it.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration consumed by the supervisor. It is
// immutable after Load returns.
type Config struct {
	HTTPServer HTTPServerConfig `koanf:"http_server"`
	Daemon     DaemonConfig     `koanf:"daemon"`
	Whitelist  WhitelistConfig  `koanf:"whitelist"`
	Logging    LoggingConfig    `koanf:"logging"`
	Broker     BrokerConfig     `koanf:"broker"`
	Sessions   SessionsConfig   `koanf:"sessions"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Shutdown   ShutdownConfig   `koanf:"shutdown"`

	// Application carries per-application settings opaque to the
	// supervisor core. Every worker receives the same blob; handlers read
	// from it through worker.App.
	Application map[string]any `koanf:"application"`
}

// HTTPServerConfig describes the listeners the supervisor spawns: exactly
// one worker per entry in Ports.
type HTTPServerConfig struct {
	// Host is the bind address shared by all workers. Empty binds all
	// interfaces.
	Host string `koanf:"host"`

	// Ports lists the TCP ports to serve on, one worker per port.
	// Required, non-empty, distinct, each in [1,65535].
	Ports []int `koanf:"ports"`

	// NoKeepAlive disables HTTP keep-alive on every worker.
	NoKeepAlive bool `koanf:"no_keep_alive"`

	// XHeaders makes workers trust X-Real-IP / X-Forwarded-For when
	// deriving the request source address for whitelist checks. Enable
	// only behind a trusted proxy.
	XHeaders bool `koanf:"xheaders"`

	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
}

// DaemonConfig holds daemonization options. Daemonization is skipped
// entirely when the supervisor starts in the foreground.
type DaemonConfig struct {
	// PIDFile is the path the supervisor exclusively locks and writes its
	// PID to. Required when running daemonized.
	PIDFile string `koanf:"pidfile"`

	// User and Group name the identity to drop privileges to after the
	// pidfile is acquired. Empty keeps the current identity.
	User  string `koanf:"user"`
	Group string `koanf:"group"`
}

// WhitelistConfig configures the per-worker request source guard.
//
// Admission policy for an empty rule set is explicit: when the whitelist
// block is entirely absent from the configuration the guard fails open
// (allow everything); when the block is present but lists no CIDRs it
// fails closed. DefaultAction overrides either way with "allow" or "deny".
type WhitelistConfig struct {
	CIDRs         []string `koanf:"cidrs"`
	DefaultAction string   `koanf:"default_action"`
}

// DefaultAllow resolves the admission policy for an empty rule set.
func (w WhitelistConfig) DefaultAllow() bool {
	return w.DefaultAction != "deny"
}

// LoggingConfig mirrors logging.Config for file/env control.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// BrokerConfig configures the publish-only message broker client each
// worker may attach to its application scope.
type BrokerConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	Name           string        `koanf:"name"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
}

// SessionsConfig configures the per-worker BadgerDB session store.
type SessionsConfig struct {
	Enabled bool `koanf:"enabled"`

	// Path is the base directory for session databases. Each worker opens
	// its own subdirectory keyed by port, since workers share nothing.
	Path string `koanf:"path"`

	// TTL is the session lifetime; expired sessions are dropped by the
	// store.
	TTL time.Duration `koanf:"ttl"`
}

// RateLimitConfig throttles requests per client IP on every worker.
// Requests == 0 disables throttling.
type RateLimitConfig struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	// GracePeriod is how long a draining worker may spend finishing
	// in-flight requests before it is forcibly terminated.
	GracePeriod time.Duration `koanf:"grace_period"`
}

// defaultConfig returns a Config with all defaults applied. Ports has no
// default; it is the one required setting.
func defaultConfig() *Config {
	return &Config{
		HTTPServer: HTTPServerConfig{
			Host:         "",
			Ports:        nil,
			NoKeepAlive:  false,
			XHeaders:     false,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Daemon: DaemonConfig{
			PIDFile: "/var/run/tinsmith.pid",
		},
		Whitelist: WhitelistConfig{
			CIDRs:         nil,
			DefaultAction: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Broker: BrokerConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			Name:           "tinsmith",
			PublishTimeout: 5 * time.Second,
		},
		Sessions: SessionsConfig{
			Enabled: false,
			Path:    "/data/sessions",
			TTL:     24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Requests: 0,
			Window:   time.Minute,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 10 * time.Second,
		},
		Application: map[string]any{},
	}
}
