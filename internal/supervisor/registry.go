// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/tinsmith/tinsmith/internal/metrics"
	"github.com/tinsmith/tinsmith/internal/worker"
)

// WorkerRecord is the registry's view of one worker: identity, lifecycle
// position, and timing. Records are registered at spawn and retained
// after the worker exits rather than destroyed on reap: the sticky
// terminal record is what /status reports and what the exit status is
// computed from.
type WorkerRecord struct {
	Port      int
	State     worker.State
	StartedAt time.Time
	ExitedAt  time.Time
}

// terminal reports whether the record has reached a final state.
func (r WorkerRecord) terminal() bool {
	return r.State == worker.StateStopped || r.State == worker.StateFailed
}

// Registry tracks every worker the supervisor spawned. Safe for
// concurrent use; state callbacks arrive from worker goroutines while
// the run loop reads snapshots.
type Registry struct {
	mu      sync.Mutex
	records map[int]*WorkerRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[int]*WorkerRecord)}
}

// Register records a worker at spawn time. Registering a port twice
// replaces the old record; that only happens across supervisor restarts
// within one process, which production never does.
func (reg *Registry) Register(port int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.records[port] = &WorkerRecord{
		Port:      port,
		State:     worker.StateStarting,
		StartedAt: time.Now(),
	}
	reg.publishGaugesLocked()
}

// UpdateState moves a worker's record to a new state. Terminal states are
// sticky: once a worker is Stopped or Failed its record never changes
// again, so a late callback cannot resurrect a reaped worker.
func (reg *Registry) UpdateState(port int, state worker.State) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.records[port]
	if !ok || rec.terminal() {
		return
	}
	rec.State = state
	if rec.terminal() {
		rec.ExitedAt = time.Now()
	}
	reg.publishGaugesLocked()
}

// Get returns a copy of the record for port.
func (reg *Registry) Get(port int) (WorkerRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.records[port]
	if !ok {
		return WorkerRecord{}, false
	}
	return *rec, true
}

// Snapshot returns copies of every record, ordered by port.
func (reg *Registry) Snapshot() []WorkerRecord {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]WorkerRecord, 0, len(reg.records))
	for _, rec := range reg.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// AnyFailed reports whether any worker reached StateFailed.
func (reg *Registry) AnyFailed() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, rec := range reg.records {
		if rec.State == worker.StateFailed {
			return true
		}
	}
	return false
}

// AllTerminal reports whether every registered worker has stopped or
// failed. An empty registry is not terminal: before registration, during
// startup teardown, there is nothing to conclude from.
func (reg *Registry) AllTerminal() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.records) == 0 {
		return false
	}
	for _, rec := range reg.records {
		if !rec.terminal() {
			return false
		}
	}
	return true
}

// publishGaugesLocked refreshes the per-state worker gauges. Caller holds
// reg.mu.
func (reg *Registry) publishGaugesLocked() {
	counts := make(map[worker.State]int)
	for _, rec := range reg.records {
		counts[rec.State]++
	}
	for _, s := range []worker.State{
		worker.StateStarting, worker.StateRunning, worker.StateDraining,
		worker.StateStopped, worker.StateFailed,
	} {
		metrics.SetWorkerState(s.String(), counts[s])
	}
}
