// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package worker runs one HTTP server per configured port as a supervised
// service. Workers share nothing: each owns its listener, its output
// cache, and its session store, so a worker failure never corrupts a
// sibling.
//
// A worker's life splits into two phases. Bind claims the port
// synchronously so the supervisor can verify every port before any worker
// serves traffic; Serve then runs under the supervision tree until the
// tree's context is canceled or the server crashes. Workers are never
// restarted after a crash.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/thejerf/suture/v4"

	"github.com/tinsmith/tinsmith/internal/broker"
	"github.com/tinsmith/tinsmith/internal/config"
	"github.com/tinsmith/tinsmith/internal/logging"
	"github.com/tinsmith/tinsmith/internal/memoize"
	"github.com/tinsmith/tinsmith/internal/metrics"
	"github.com/tinsmith/tinsmith/internal/middleware"
	"github.com/tinsmith/tinsmith/internal/session"
	"github.com/tinsmith/tinsmith/internal/whitelist"
)

// ErrBind means a worker could not claim its port. The supervisor treats
// it as a startup failure distinct from anything that happens once
// serving, since a bind failure aborts the whole startup.
var ErrBind = errors.New("address bind failed")

// State is a worker's lifecycle position. Transitions only move forward:
// Starting -> Running -> Draining -> Stopped, with Failed reachable from
// any live state. There is no transition out of Stopped or Failed.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options assembles a worker's collaborators. Routes and Config are
// required; the rest degrade gracefully when absent (no guard means no
// admission filtering, no session store means sessionless requests).
type Options struct {
	Port     int
	Config   *config.Config
	Routes   *RouteSet
	Guard    *whitelist.Guard
	Sessions *session.Store
	Broker   *broker.Publisher
	OnState  func(port int, state State)
}

// Worker is one port's HTTP server plus its private output cache.
// Implements suture.Service.
type Worker struct {
	port     int
	cfg      *config.Config
	cache    *memoize.Cache
	sessions *session.Store
	broker   *broker.Publisher

	server   *http.Server
	listener net.Listener

	state   atomic.Int32
	onState func(port int, state State)
}

// New assembles a worker for port. The worker is in StateStarting and
// owns nothing yet; Bind claims the port.
func New(opts Options) *Worker {
	w := &Worker{
		port:     opts.Port,
		cfg:      opts.Config,
		cache:    memoize.New(),
		sessions: opts.Sessions,
		broker:   opts.Broker,
		onState:  opts.OnState,
	}
	w.state.Store(int32(StateStarting))
	w.cache.Observe(
		func() { metrics.RecordCacheHit(w.port) },
		func() { metrics.RecordCacheMiss(w.port) },
	)

	httpCfg := opts.Config.HTTPServer
	w.server = &http.Server{
		Handler:      w.buildRouter(opts.Routes, opts.Guard),
		ReadTimeout:  httpCfg.ReadTimeout,
		WriteTimeout: httpCfg.WriteTimeout,
		IdleTimeout:  httpCfg.IdleTimeout,
	}
	if httpCfg.NoKeepAlive {
		w.server.SetKeepAlivesEnabled(false)
	}
	return w
}

// Port returns the TCP port this worker serves.
func (w *Worker) Port() int { return w.port }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// FlushCache drops every entry in the worker's output cache. The
// supervisor never flushes on its own; callers decide when stale output
// must go.
func (w *Worker) FlushCache() {
	w.cache.Flush()
	logging.Info().Int("port", w.port).Msg("output cache flushed")
}

// Cache exposes the worker's output cache, for handlers that key entries
// themselves.
func (w *Worker) Cache() *memoize.Cache { return w.cache }

// Bind claims the worker's port. Called synchronously before the worker
// joins the supervision tree so a taken port fails startup instead of
// surfacing as a crashed service.
func (w *Worker) Bind() error {
	addr := net.JoinHostPort(w.cfg.HTTPServer.Host, strconv.Itoa(w.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	w.listener = listener
	logging.Debug().Str("addr", addr).Msg("worker bound")
	return nil
}

// Addr returns the bound listener address, or nil before Bind. Workers
// configured with port 0 learn their real port from it.
func (w *Worker) Addr() net.Addr {
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// Close releases a bound listener that never served. Used during
// all-or-nothing startup teardown when a later sibling's Bind fails.
func (w *Worker) Close() {
	if w.listener != nil {
		_ = w.listener.Close()
		w.listener = nil
	}
	w.setState(StateStopped)
}

// Serve implements suture.Service. It requires a successful Bind; the
// worker serves until the supervision context is canceled, then drains
// in-flight requests within the configured grace period. A worker that
// crashes or overruns its drain is Failed and never restarted.
func (w *Worker) Serve(ctx context.Context) error {
	if w.listener == nil {
		w.setState(StateFailed)
		return errors.Join(fmt.Errorf("worker %d started without a bound listener", w.port), suture.ErrDoNotRestart)
	}

	w.setState(StateRunning)
	w.publishLifecycle(ctx, StateRunning)

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Serve(w.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			w.setState(StateStopped)
			return suture.ErrDoNotRestart
		}
		w.setState(StateFailed)
		w.publishLifecycle(context.Background(), StateFailed)
		logging.Error().Err(err).Int("port", w.port).Msg("worker crashed")
		return errors.Join(fmt.Errorf("worker %d crashed: %w", w.port, err), suture.ErrDoNotRestart)

	case <-ctx.Done():
		return w.drain(errCh)
	}
}

// drain completes in-flight requests within the grace period, then forces
// the server closed if any remain.
func (w *Worker) drain(errCh <-chan error) error {
	w.setState(StateDraining)
	grace := w.cfg.Shutdown.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := w.server.Shutdown(shutdownCtx); err != nil {
		_ = w.server.Close()
		<-errCh
		w.setState(StateFailed)
		logging.Warn().Err(err).Int("port", w.port).
			Dur("grace", grace).Msg("worker drain overran grace period")
		return fmt.Errorf("worker %d drain: %w", w.port, err)
	}

	<-errCh
	w.setState(StateStopped)
	w.publishLifecycle(context.Background(), StateStopped)
	return nil
}

// String implements fmt.Stringer; suture uses it to name the service in
// its logs.
func (w *Worker) String() string {
	return fmt.Sprintf("worker-%d", w.port)
}

func (w *Worker) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	if prev == s {
		return
	}
	logging.Info().Int("port", w.port).
		Str("from", prev.String()).Str("to", s.String()).
		Msg("worker state changed")
	if w.onState != nil {
		w.onState(w.port, s)
	}
}

// publishLifecycle emits a worker lifecycle event on the broker. Dropped
// silently when no broker is configured.
func (w *Worker) publishLifecycle(ctx context.Context, s State) {
	if w.broker == nil {
		return
	}
	subject := "tinsmith.worker." + s.String()
	err := w.broker.PublishJSON(ctx, subject, map[string]any{
		"port":  w.port,
		"state": s.String(),
		"at":    time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, broker.ErrNotConnected) {
		logging.Debug().Err(err).Str("subject", subject).Msg("lifecycle publish failed")
	}
}

// buildRouter assembles the worker's middleware chain around the
// application routes: request identity, metrics, rate limiting, source
// whitelisting, then sessions. Cached routes pass through the output
// cache before reaching the handler.
func (w *Worker) buildRouter(routes *RouteSet, guard *whitelist.Guard) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Prometheus(w.port))

	if rl := w.cfg.RateLimit; rl.Requests > 0 && rl.Window > 0 {
		r.Use(httprate.LimitByIP(rl.Requests, rl.Window))
	}
	if guard != nil {
		r.Use(middleware.Guard(w.port, guard, w.cfg.HTTPServer.XHeaders))
	}
	if w.sessions != nil {
		r.Use(session.Middleware(w.sessions))
	}

	for _, route := range routes.Routes() {
		h := route.Handler
		if route.Cached {
			h = memoize.Handler(w.cache, route.Pattern, h)
		}
		r.Handle(route.Pattern, h)
	}
	return r
}
