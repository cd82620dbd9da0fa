// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package supervisor owns the process lifecycle: daemonization, worker
// spawning, signal handling, and coordinated shutdown.
//
// Startup is all-or-nothing. Every worker binds its port before any
// worker serves; one taken port tears the whole thing down with a
// startup-failure exit status. Once serving, workers are never respawned:
// a crashed worker stays down and is reported at exit.
package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinsmith/tinsmith/internal/broker"
	"github.com/tinsmith/tinsmith/internal/config"
	"github.com/tinsmith/tinsmith/internal/daemon"
	"github.com/tinsmith/tinsmith/internal/logging"
	"github.com/tinsmith/tinsmith/internal/session"
	"github.com/tinsmith/tinsmith/internal/whitelist"
	"github.com/tinsmith/tinsmith/internal/worker"
)

// ExitStatus is the process exit code. Startup failures and worker
// failures are distinguishable so init systems can decide whether a
// restart is worth attempting.
type ExitStatus int

const (
	// ExitOK means every worker stopped cleanly.
	ExitOK ExitStatus = 0
	// ExitStartupFailure means the supervisor never reached serving:
	// bad config, failed daemonization, or an unbindable port.
	ExitStartupFailure ExitStatus = 1
	// ExitWorkerFailure means serving started but at least one worker
	// crashed or failed to drain.
	ExitWorkerFailure ExitStatus = 2
)

// Options configures a Supervisor.
type Options struct {
	Config *config.Config
	Routes *worker.RouteSet

	// Foreground skips daemonization; the process keeps its terminal and
	// pidfile handling is left to whoever started it.
	Foreground bool
}

// Supervisor runs one worker per configured port under a supervision
// tree and drives their collective lifecycle from a single run loop.
type Supervisor struct {
	cfg        *config.Config
	routes     *worker.RouteSet
	foreground bool

	registry *Registry
	signals  *SignalBridge
	workers  []*worker.Worker
	sessions []*session.Store
	pub      *broker.Publisher

	cancelTree   context.CancelFunc
	shuttingDown atomic.Bool
	rehashMu     sync.Mutex
	rehash       func()
}

// New creates a Supervisor. Nothing is bound or spawned until Run.
func New(opts Options) *Supervisor {
	return &Supervisor{
		cfg:        opts.Config,
		routes:     opts.Routes,
		foreground: opts.Foreground,
		registry:   NewRegistry(),
	}
}

// RegisterRehash installs the hook invoked on SIGHUP. At most one hook
// is held; a later call replaces the earlier one. Without a hook a
// rehash is a no-op.
func (s *Supervisor) RegisterRehash(fn func()) {
	s.rehashMu.Lock()
	defer s.rehashMu.Unlock()
	s.rehash = fn
}

// Registry exposes the worker registry for status inspection.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Run executes the full supervisor lifecycle and blocks until every
// worker has terminated. The returned status is the intended process
// exit code.
func (s *Supervisor) Run(ctx context.Context) ExitStatus {
	var daemonCtx *daemon.Context
	if !s.foreground {
		var err error
		daemonCtx, err = daemon.Start(s.cfg.Daemon)
		if err != nil {
			logging.Error().Err(err).Msg("daemonization failed")
			return ExitStartupFailure
		}
		defer daemonCtx.Release()
	}

	defer s.closeStores()
	defer s.closeBroker()
	if status := s.setupWorkers(); status != ExitOK {
		return status
	}

	if status := s.bindAll(); status != ExitOK {
		return status
	}

	return s.serve(ctx)
}

// setupWorkers builds the shared guard and broker, then one worker per
// port with its own session store.
func (s *Supervisor) setupWorkers() ExitStatus {
	var guard *whitelist.Guard
	wl := s.cfg.Whitelist
	if len(wl.CIDRs) > 0 || !wl.DefaultAllow() {
		var err error
		guard, err = whitelist.New(wl.CIDRs, wl.DefaultAllow())
		if err != nil {
			logging.Error().Err(err).Msg("invalid whitelist")
			return ExitStartupFailure
		}
	}

	if s.cfg.Broker.Enabled {
		pub, err := broker.Connect(s.cfg.Broker.URL, s.cfg.Broker.Name)
		if err != nil {
			logging.Error().Err(err).Msg("broker connection failed")
			return ExitStartupFailure
		}
		s.pub = pub
	}

	for _, port := range s.cfg.HTTPServer.Ports {
		var store *session.Store
		if s.cfg.Sessions.Enabled {
			var err error
			store, err = session.Open(
				filepath.Join(s.cfg.Sessions.Path, strconv.Itoa(port)),
				s.cfg.Sessions.TTL,
			)
			if err != nil {
				logging.Error().Err(err).Int("port", port).Msg("session store open failed")
				return ExitStartupFailure
			}
			s.sessions = append(s.sessions, store)
		}

		s.workers = append(s.workers, worker.New(worker.Options{
			Port:     port,
			Config:   s.cfg,
			Routes:   s.routes,
			Guard:    guard,
			Sessions: store,
			Broker:   s.pub,
			OnState:  s.onWorkerState,
		}))
	}
	return ExitOK
}

// onWorkerState records a worker transition. Suture keeps the tree alive
// even with every service gone, so the last worker to reach a terminal
// state triggers the tree teardown.
func (s *Supervisor) onWorkerState(port int, st worker.State) {
	s.registry.UpdateState(port, st)
	if (st == worker.StateStopped || st == worker.StateFailed) && s.registry.AllTerminal() {
		s.BroadcastShutdown()
	}
}

// bindAll claims every port synchronously. One failure releases every
// already-bound sibling and aborts startup.
func (s *Supervisor) bindAll() ExitStatus {
	for i, w := range s.workers {
		if err := w.Bind(); err != nil {
			logging.Error().Err(err).Int("port", w.Port()).Msg("startup aborted")
			for _, bound := range s.workers[:i] {
				bound.Close()
			}
			return ExitStartupFailure
		}
	}
	return ExitOK
}

// serve runs the supervision tree and the run loop until every worker
// terminates.
func (s *Supervisor) serve(ctx context.Context) ExitStatus {
	treeCtx, cancel := context.WithCancel(context.Background())
	s.cancelTree = cancel
	defer cancel()

	tree := NewTree(logging.NewSlogLogger(), treeConfig(s.cfg.Shutdown.GracePeriod))
	for _, w := range s.workers {
		s.registry.Register(w.Port())
		tree.AddWorker(w)
	}

	s.signals = NewSignalBridge()
	defer s.signals.Close()

	errCh := tree.ServeBackground(treeCtx)
	logging.Info().Ints("ports", s.cfg.HTTPServer.Ports).Msg("supervisor serving")

	for {
		select {
		case ev := <-s.signals.Events():
			s.handleEvent(ev)

		case <-ctx.Done():
			s.BroadcastShutdown()

		case err := <-errCh:
			return s.finish(tree, err)
		}
	}
}

// handleEvent dispatches one dequeued bridge event. A rehash is
// abandoned once termination has begun, even when the terminating
// signal is still queued behind it.
func (s *Supervisor) handleEvent(ev Event) {
	switch ev {
	case EventShutdown:
		s.BroadcastShutdown()
	case EventRehash:
		if s.shuttingDown.Load() || (s.signals != nil && s.signals.TerminationPending()) {
			logging.Debug().Msg("rehash ignored, shutting down")
			return
		}
		s.Rehash()
	}
}

// drainMargin is how much longer than the worker drain grace the tree
// waits before declaring a service unstopped.
const drainMargin = 5 * time.Second

// treeConfig sizes the tree's shutdown timeout from the drain grace so
// the tree always outlasts a worker still draining within its
// allowance.
func treeConfig(grace time.Duration) TreeConfig {
	tc := DefaultTreeConfig()
	if grace > 0 && grace+drainMargin > tc.ShutdownTimeout {
		tc.ShutdownTimeout = grace + drainMargin
	}
	return tc
}

// finish settles the exit status once the tree has stopped.
func (s *Supervisor) finish(tree *Tree, treeErr error) ExitStatus {
	if unstopped, err := tree.UnstoppedServiceReport(); err == nil {
		for _, svc := range unstopped {
			logging.Error().Str("service", svc.Name).Msg("service did not stop")
		}
	}

	if s.registry.AnyFailed() {
		logging.Error().Msg("supervisor exiting with failed workers")
		return ExitWorkerFailure
	}
	if treeErr != nil && !errors.Is(treeErr, context.Canceled) {
		logging.Error().Err(treeErr).Msg("supervision tree error")
		return ExitWorkerFailure
	}
	logging.Info().Msg("supervisor exiting cleanly")
	return ExitOK
}

// BroadcastShutdown begins graceful termination of every worker. Safe to
// call from any goroutine and idempotent: the first call wins, later
// calls and later signals are no-ops.
func (s *Supervisor) BroadcastShutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	logging.Info().Msg("broadcasting shutdown to all workers")

	if s.pub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.pub.PublishJSON(ctx, "tinsmith.supervisor.shutdown", map[string]any{
			"at": time.Now().UTC(),
		})
	}

	if s.cancelTree != nil {
		s.cancelTree()
	}
}

// Rehash invokes the registered rehash hook, if any. Rehashes are
// serialized and abandoned once shutdown has begun. Rehash touches
// nothing on its own: caches, settings, and everything else stay as
// they are unless the hook changes them.
func (s *Supervisor) Rehash() {
	s.rehashMu.Lock()
	defer s.rehashMu.Unlock()

	if s.shuttingDown.Load() {
		return
	}
	if s.rehash == nil {
		logging.Debug().Msg("rehash requested with no hook registered")
		return
	}
	logging.Info().Msg("rehash started")
	s.rehash()

	if s.pub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.pub.PublishJSON(ctx, "tinsmith.supervisor.rehash", map[string]any{
			"at": time.Now().UTC(),
		})
	}
	logging.Info().Msg("rehash complete")
}

func (s *Supervisor) closeBroker() {
	if s.pub != nil {
		s.pub.Close()
		s.pub = nil
	}
}

func (s *Supervisor) closeStores() {
	for _, store := range s.sessions {
		if err := store.Close(); err != nil {
			logging.Warn().Err(err).Msg("session store close failed")
		}
	}
	s.sessions = nil
}
