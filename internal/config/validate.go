// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package config

import (
	"fmt"

	"github.com/tinsmith/tinsmith/internal/whitelist"
)

// Validate checks that required configuration is present and valid. It runs
// before any worker is spawned; every failure wraps ErrInvalid.
func (c *Config) Validate() error {
	if err := c.validateHTTPServer(); err != nil {
		return err
	}
	if err := c.validateWhitelist(); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateSessions(); err != nil {
		return err
	}
	if err := c.validateRateLimit(); err != nil {
		return err
	}
	if err := c.validateShutdown(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateHTTPServer() error {
	ports := c.HTTPServer.Ports
	if len(ports) == 0 {
		return fmt.Errorf("%w: http_server.ports must list at least one port", ErrInvalid)
	}
	seen := make(map[int]struct{}, len(ports))
	for _, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: port %d is outside [1,65535]", ErrInvalid, port)
		}
		if _, dup := seen[port]; dup {
			return fmt.Errorf("%w: port %d is listed more than once", ErrInvalid, port)
		}
		seen[port] = struct{}{}
	}

	if c.HTTPServer.ReadTimeout < 0 || c.HTTPServer.WriteTimeout < 0 || c.HTTPServer.IdleTimeout < 0 {
		return fmt.Errorf("%w: http_server timeouts must not be negative", ErrInvalid)
	}
	return nil
}

func (c *Config) validateWhitelist() error {
	if _, err := whitelist.ParseCIDRs(c.Whitelist.CIDRs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Whitelist.DefaultAction {
	case "", "allow", "deny":
		return nil
	default:
		return fmt.Errorf("%w: whitelist.default_action must be \"allow\" or \"deny\", got %q",
			ErrInvalid, c.Whitelist.DefaultAction)
	}
}

func (c *Config) validateBroker() error {
	if !c.Broker.Enabled {
		return nil
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("%w: broker.url is required when broker.enabled=true", ErrInvalid)
	}
	if c.Broker.PublishTimeout <= 0 {
		return fmt.Errorf("%w: broker.publish_timeout must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) validateSessions() error {
	if !c.Sessions.Enabled {
		return nil
	}
	if c.Sessions.Path == "" {
		return fmt.Errorf("%w: sessions.path is required when sessions.enabled=true", ErrInvalid)
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("%w: sessions.ttl must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("%w: rate_limit.requests must not be negative", ErrInvalid)
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("%w: rate_limit.window must be positive when throttling is enabled", ErrInvalid)
	}
	return nil
}

func (c *Config) validateShutdown() error {
	if c.Shutdown.GracePeriod <= 0 {
		return fmt.Errorf("%w: shutdown.grace_period must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: logging.format must be \"json\" or \"console\", got %q",
			ErrInvalid, c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled":
		return nil
	default:
		return fmt.Errorf("%w: logging.level %q is not a known level", ErrInvalid, c.Logging.Level)
	}
}
