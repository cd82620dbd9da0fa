// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/tinsmith/tinsmith/internal/config"
)

// Start itself redirects the test process's standard streams, so the
// tests exercise the pidfile contract through acquirePIDFile directly.

func TestPIDFileExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinsmith.pid")

	first, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("first acquisition should succeed: %v", err)
	}
	defer func() { _ = first.Close() }()

	if _, err := acquirePIDFile(path); !errors.Is(err, ErrPIDFileLocked) {
		t.Errorf("second acquisition should report ErrPIDFileLocked, got %v", err)
	}
}

func TestPIDFileReleasedLockCanBeReacquired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinsmith.pid")

	first, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("first acquisition should succeed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("acquisition after release should succeed: %v", err)
	}
	_ = second.Close()
}

func TestPIDFileContainsCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinsmith.pid")

	pidfile, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("acquisition failed: %v", err)
	}
	defer func() { _ = pidfile.Close() }()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cannot read pidfile: %v", err)
	}
	if got := strings.TrimSpace(string(contents)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("pidfile contains %q, want current pid %d", got, os.Getpid())
	}
}

func TestPIDFileStaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinsmith.pid")
	// A leftover file from a dead process carries no lock.
	if err := os.WriteFile(path, []byte("99999\n"), 0o644); err != nil {
		t.Fatalf("cannot plant stale pidfile: %v", err)
	}

	pidfile, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("stale pidfile should be taken over: %v", err)
	}
	defer func() { _ = pidfile.Close() }()

	contents, _ := os.ReadFile(path)
	if got := strings.TrimSpace(string(contents)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("pidfile not rewritten after takeover: %q", got)
	}
}

func TestPIDFileUnwritablePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "nested", "tinsmith.pid")
	if _, err := acquirePIDFile(path); !errors.Is(err, ErrDaemonize) {
		t.Errorf("unwritable path should report ErrDaemonize, got %v", err)
	}
}

func TestStartRequiresPIDFile(t *testing.T) {
	if _, err := Start(config.DaemonConfig{}); !errors.Is(err, ErrDaemonize) {
		t.Errorf("empty pidfile path should fail daemonization, got %v", err)
	}
}

func TestReleaseRemovesPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinsmith.pid")
	pidfile, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("acquisition failed: %v", err)
	}

	ctx := &Context{pidfile: pidfile, path: path}
	ctx.Release()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("pidfile should be removed on release, stat err = %v", err)
	}
	// Second release is a no-op.
	ctx.Release()
}
