// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package supervisor

import (
	"syscall"
	"testing"
	"time"
)

func expectEvent(t *testing.T, bridge *SignalBridge, want Event) {
	t.Helper()
	select {
	case got := <-bridge.Events():
		if got != want {
			t.Errorf("event = %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no %v event within timeout", want)
	}
}

func TestSignalBridgeTranslatesSignals(t *testing.T) {
	bridge := NewSignalBridge()
	defer bridge.Close()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("cannot signal self: %v", err)
	}
	expectEvent(t, bridge, EventRehash)

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("cannot signal self: %v", err)
	}
	expectEvent(t, bridge, EventShutdown)
}

func TestSignalBridgeInject(t *testing.T) {
	bridge := NewSignalBridge()
	defer bridge.Close()

	bridge.Inject(EventRehash)
	bridge.Inject(EventShutdown)
	expectEvent(t, bridge, EventRehash)
	expectEvent(t, bridge, EventShutdown)
}

func TestSignalBridgeTerminationPending(t *testing.T) {
	bridge := NewSignalBridge()
	defer bridge.Close()

	if bridge.TerminationPending() {
		t.Error("fresh bridge reports termination pending")
	}

	bridge.Inject(EventRehash)
	if bridge.TerminationPending() {
		t.Error("rehash flagged as termination")
	}

	// The flag is raised when the terminating signal arrives, before its
	// event is consumed from the queue.
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("cannot signal self: %v", err)
	}
	expectEvent(t, bridge, EventRehash)

	deadline := time.Now().Add(5 * time.Second)
	for !bridge.TerminationPending() {
		if time.Now().After(deadline) {
			t.Fatal("SIGTERM did not raise the termination flag")
		}
		time.Sleep(10 * time.Millisecond)
	}
	expectEvent(t, bridge, EventShutdown)
}

func TestSignalBridgeFullQueueDropsDuplicates(t *testing.T) {
	bridge := NewSignalBridge()
	defer bridge.Close()

	// Saturate the queue well past its capacity; Inject must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			bridge.Inject(EventShutdown)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Inject blocked on a full queue")
	}
}
