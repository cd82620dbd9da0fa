// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package main is the entry point for the tinsmith supervisor.
//
// Tinsmith runs one HTTP worker per configured port under a supervision
// tree, with per-worker output caching, CIDR source whitelisting, and
// durable sessions. The binary serves operational endpoints (/status,
// /metrics); applications embed the supervisor and register their own
// routes through worker.RouteSet.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (TINSMITH_* — see internal/config)
//   - Config file (-config flag, $TINSMITH_CONFIG, or ./tinsmith.yaml)
//   - Built-in defaults
//
// # Signal Handling
//
//   - SIGINT / SIGTERM: graceful shutdown; workers drain in-flight
//     requests within shutdown.grace_period, then the process exits.
//   - SIGHUP: rehash; the supervisor runs whatever hook the application
//     registered via RegisterRehash. This binary registers a hook that
//     re-reads the config file and applies the new log level. Caches are
//     left untouched.
//
// # Exit Codes
//
//   - 0: every worker stopped cleanly
//   - 1: startup failure (configuration, daemonization, or port bind)
//   - 2: at least one worker crashed or failed to drain
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinsmith/tinsmith/internal/config"
	"github.com/tinsmith/tinsmith/internal/logging"
	"github.com/tinsmith/tinsmith/internal/supervisor"
	"github.com/tinsmith/tinsmith/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	foreground := flag.Bool("foreground", false, "run in the foreground, skipping daemonization")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		// Config not available yet; the default logger reports the failure.
		logging.Error().Err(err).Msg("failed to load configuration")
		os.Exit(int(supervisor.ExitStartupFailure))
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := cfg.Validate(); err != nil {
		logging.Error().Err(err).Msg("invalid configuration")
		os.Exit(int(supervisor.ExitStartupFailure))
	}

	logging.Info().
		Ints("ports", cfg.HTTPServer.Ports).
		Bool("foreground", *foreground).
		Msg("starting tinsmith")

	// Workers are not built until Run, so routes registered after New are
	// still picked up.
	routes := worker.NewRouteSet()
	sup := supervisor.New(supervisor.Options{
		Config:     cfg,
		Routes:     routes,
		Foreground: *foreground,
	})
	routes.Handle("/metrics", promhttp.Handler())
	routes.HandleFunc("/status", statusHandler(sup.Registry()))

	if path := *configPath; path != "" {
		sup.RegisterRehash(func() {
			fresh, err := config.LoadFile(path)
			if err != nil {
				logging.Warn().Err(err).Msg("rehash config reload failed, keeping current settings")
				return
			}
			logging.SetLevelString(fresh.Logging.Level)
		})
	}

	os.Exit(int(sup.Run(context.Background())))
}

type workerStatus struct {
	Port      int        `json:"port"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// statusHandler reports every worker's lifecycle record as JSON.
func statusHandler(registry *supervisor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := registry.Snapshot()
		out := make([]workerStatus, 0, len(records))
		for _, rec := range records {
			ws := workerStatus{
				Port:      rec.Port,
				State:     rec.State.String(),
				StartedAt: rec.StartedAt,
			}
			if !rec.ExitedAt.IsZero() {
				exited := rec.ExitedAt
				ws.ExitedAt = &exited
			}
			out = append(out, ws)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logging.Warn().Err(err).Msg("status encoding failed")
		}
	}
}
