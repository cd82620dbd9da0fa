// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"tinsmith.yaml",
	"tinsmith.yml",
	"/etc/tinsmith/tinsmith.yaml",
	"/etc/tinsmith/tinsmith.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "TINSMITH_CONFIG"

// envPrefix namespaces every Tinsmith environment variable.
const envPrefix = "TINSMITH_"

// envSections maps environment variable section prefixes onto koanf paths.
// TINSMITH_HTTP_SERVER_PORTS -> http_server.ports, and so on.
var envSections = []struct {
	prefix string
	path   string
}{
	{"HTTP_SERVER_", "http_server."},
	{"RATE_LIMIT_", "rate_limit."},
	{"WHITELIST_", "whitelist."},
	{"DAEMON_", "daemon."},
	{"LOGGING_", "logging."},
	{"BROKER_", "broker."},
	{"SESSIONS_", "sessions."},
	{"SHUTDOWN_", "shutdown."},
}

// Load builds the configuration from layered sources, lowest priority
// first: built-in defaults, an optional YAML file, environment variables.
// The result is validated; any violation wraps ErrInvalid.
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile is Load with an explicit config file path, used by the CLI's
// -config flag. The file must exist.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return loadFrom(path)
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// The user-supplied layers load into their own instance first: the
	// struct defaults emit every section's keys, so only a separate
	// instance can tell a configured section from a defaulted one.
	user := koanf.New(".")
	if configPath != "" {
		if err := user.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := user.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.Merge(user); err != nil {
		return nil, fmt.Errorf("failed to merge configuration layers: %w", err)
	}

	if err := normalizeSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// An absent whitelist block fails open; a present-but-empty one fails
	// closed. Decided here because only the loader can see whether the
	// block existed at all.
	if cfg.Whitelist.DefaultAction == "" {
		if user.Exists("whitelist") && len(cfg.Whitelist.CIDRs) == 0 {
			cfg.Whitelist.DefaultAction = "deny"
		} else {
			cfg.Whitelist.DefaultAction = "allow"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps TINSMITH_* environment variables onto koanf paths.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	for _, section := range envSections {
		if strings.HasPrefix(key, section.prefix) {
			return section.path + strings.ToLower(strings.TrimPrefix(key, section.prefix))
		}
	}
	// Unrecognized sections are dropped rather than guessed at.
	return ""
}

// normalizeSliceFields converts comma-separated env strings into the slice
// shapes the Config struct expects.
func normalizeSliceFields(k *koanf.Koanf) error {
	if isScalarString(k, "http_server.ports") {
		parts := splitCommaList(k.String("http_server.ports"))
		ports := make([]int, 0, len(parts))
		for _, part := range parts {
			port, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("%w: port %q is not an integer", ErrInvalid, part)
			}
			ports = append(ports, port)
		}
		if err := k.Set("http_server.ports", ports); err != nil {
			return fmt.Errorf("failed to normalize ports: %w", err)
		}
	}

	if isScalarString(k, "whitelist.cidrs") {
		if err := k.Set("whitelist.cidrs", splitCommaList(k.String("whitelist.cidrs"))); err != nil {
			return fmt.Errorf("failed to normalize whitelist: %w", err)
		}
	}
	return nil
}

// isScalarString reports whether the key holds a bare string, which happens
// when a slice-valued setting arrives via environment variable.
func isScalarString(k *koanf.Koanf, key string) bool {
	if !k.Exists(key) {
		return false
	}
	_, ok := k.Get(key).(string)
	return ok
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// findConfigFile returns the first existing config file path, or empty.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
