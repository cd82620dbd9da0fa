// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package supervisor

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/tinsmith/tinsmith/internal/logging"
)

// Event is a lifecycle request delivered to the supervisor's run loop.
type Event int

const (
	// EventShutdown requests graceful termination (SIGINT, SIGTERM).
	EventShutdown Event = iota
	// EventRehash asks the supervisor to run its rehash hook (SIGHUP).
	EventRehash
)

func (e Event) String() string {
	switch e {
	case EventShutdown:
		return "shutdown"
	case EventRehash:
		return "rehash"
	default:
		return "unknown"
	}
}

// SignalBridge translates OS signals into events consumed by the
// supervisor's run loop. Nothing stateful happens in signal context: the
// handler goroutine only forwards, and all real work runs in the loop
// that reads Events.
type SignalBridge struct {
	events      chan Event
	sigs        chan os.Signal
	done        chan struct{}
	terminating atomic.Bool
}

// NewSignalBridge installs handlers for SIGINT, SIGTERM, and SIGHUP and
// starts forwarding them as events.
func NewSignalBridge() *SignalBridge {
	b := &SignalBridge{
		// Buffered so a signal arriving while the run loop is busy is
		// queued, not lost.
		events: make(chan Event, 4),
		sigs:   make(chan os.Signal, 4),
		done:   make(chan struct{}),
	}
	signal.Notify(b.sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go b.forward()
	return b
}

func (b *SignalBridge) forward() {
	for {
		select {
		case sig := <-b.sigs:
			var ev Event
			switch sig {
			case syscall.SIGHUP:
				ev = EventRehash
			default:
				ev = EventShutdown
				b.terminating.Store(true)
			}
			logging.Info().Str("signal", sig.String()).
				Str("event", ev.String()).Msg("signal received")
			select {
			case b.events <- ev:
			default:
				// A full queue means equivalent events are already
				// pending; dropping a duplicate loses nothing.
			}
		case <-b.done:
			return
		}
	}
}

// Events returns the channel the run loop consumes.
func (b *SignalBridge) Events() <-chan Event {
	return b.events
}

// Inject queues an event directly, bypassing the OS. Used by tests and by
// in-process termination paths.
func (b *SignalBridge) Inject(ev Event) {
	if ev == EventShutdown {
		b.terminating.Store(true)
	}
	select {
	case b.events <- ev:
	default:
	}
}

// TerminationPending reports whether a terminating signal has been seen,
// whether or not its event has been consumed yet. Events queue FIFO, so
// a rehash can sit ahead of the shutdown that should supersede it; the
// flag lets the consumer skip such a rehash.
func (b *SignalBridge) TerminationPending() bool {
	return b.terminating.Load()
}

// Close uninstalls the signal handlers and stops forwarding.
func (b *SignalBridge) Close() {
	signal.Stop(b.sigs)
	close(b.done)
}
