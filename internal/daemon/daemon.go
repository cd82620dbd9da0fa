// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package daemon performs the background-process housekeeping the
// supervisor runs through before spawning workers: exclusive pidfile
// acquisition, standard-stream redirection, session detachment, and
// privilege dropping.
//
// The pidfile is the one resource shared between the supervisor and OS
// tooling, so it is protected with an exclusive flock; a second supervisor
// pointed at the same pidfile fails startup instead of fighting over
// ports. Go cannot re-fork after the runtime starts, so true double-fork
// daemonization is left to the init system; what this package guarantees
// is the pidfile contract, stream redirection, and identity drop.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/tinsmith/tinsmith/internal/config"
	"github.com/tinsmith/tinsmith/internal/logging"
)

var (
	// ErrPIDFileLocked means another live supervisor holds the pidfile.
	ErrPIDFileLocked = errors.New("pidfile is locked by another process")

	// ErrDaemonize wraps any other daemonization failure: unwritable
	// pidfile path, unknown user or group, failed privilege drop.
	ErrDaemonize = errors.New("daemonization failed")
)

// Context holds the resources acquired during daemonization. Release it
// once the supervisor stops.
type Context struct {
	pidfile *os.File
	path    string
}

// Start acquires the pidfile lock, writes the current PID, detaches from
// the controlling terminal, redirects the standard streams to /dev/null,
// and drops privileges if a run-as user or group is configured.
//
// Nothing is spawned yet when Start fails, so a failure aborts the whole
// startup with nothing to tear down beyond the returned Context.
func Start(cfg config.DaemonConfig) (*Context, error) {
	if cfg.PIDFile == "" {
		return nil, fmt.Errorf("%w: no pidfile configured", ErrDaemonize)
	}

	pidfile, err := acquirePIDFile(cfg.PIDFile)
	if err != nil {
		return nil, err
	}
	ctx := &Context{pidfile: pidfile, path: cfg.PIDFile}

	if err := detach(); err != nil {
		ctx.Release()
		return nil, err
	}

	if err := dropPrivileges(cfg.User, cfg.Group); err != nil {
		ctx.Release()
		return nil, err
	}

	logging.Info().
		Str("pidfile", cfg.PIDFile).
		Int("pid", os.Getpid()).
		Msg("daemonized")
	return ctx, nil
}

// Release removes the pidfile and releases its lock. Safe to call once.
func (c *Context) Release() {
	if c == nil || c.pidfile == nil {
		return
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("pidfile", c.path).Msg("failed to remove pidfile")
	}
	// Closing the descriptor drops the flock.
	if err := c.pidfile.Close(); err != nil {
		logging.Warn().Err(err).Str("pidfile", c.path).Msg("failed to close pidfile")
	}
	c.pidfile = nil
}

// acquirePIDFile opens the pidfile, takes an exclusive non-blocking lock,
// and writes the current PID. A held lock means a live supervisor owns the
// path; a stale file from a dead process carries no lock and is simply
// taken over.
func acquirePIDFile(path string) (*os.File, error) {
	pidfile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open pidfile %s: %v", ErrDaemonize, path, err)
	}

	if err := unix.Flock(int(pidfile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		contents, _ := os.ReadFile(path)
		_ = pidfile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s (held by pid %s)",
				ErrPIDFileLocked, path, string(contents))
		}
		return nil, fmt.Errorf("%w: cannot lock pidfile %s: %v", ErrDaemonize, path, err)
	}

	if err := pidfile.Truncate(0); err != nil {
		_ = pidfile.Close()
		return nil, fmt.Errorf("%w: cannot truncate pidfile %s: %v", ErrDaemonize, path, err)
	}
	if _, err := pidfile.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		_ = pidfile.Close()
		return nil, fmt.Errorf("%w: cannot write pidfile %s: %v", ErrDaemonize, path, err)
	}
	if err := pidfile.Sync(); err != nil {
		_ = pidfile.Close()
		return nil, fmt.Errorf("%w: cannot sync pidfile %s: %v", ErrDaemonize, path, err)
	}
	return pidfile, nil
}

// detach starts a new session and points the standard streams at
// /dev/null so the process survives its controlling terminal going away.
func detach() error {
	// Setsid fails when the process already leads its group (e.g. started
	// by an init system); that is the desired end state, not an error.
	_, _ = unix.Setsid()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: cannot open %s: %v", ErrDaemonize, os.DevNull, err)
	}
	defer func() { _ = devNull.Close() }()

	for _, fd := range []int{int(os.Stdin.Fd()), int(os.Stdout.Fd()), int(os.Stderr.Fd())} {
		if err := unix.Dup2(int(devNull.Fd()), fd); err != nil {
			return fmt.Errorf("%w: cannot redirect fd %d: %v", ErrDaemonize, fd, err)
		}
	}
	return nil
}

// dropPrivileges changes the process group then user identity. The group
// must change first; after setuid the process may no longer have the
// privilege to setgid.
func dropPrivileges(userName, groupName string) error {
	if groupName != "" {
		grp, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("%w: unknown group %q: %v", ErrDaemonize, groupName, err)
		}
		gid, err := strconv.Atoi(grp.Gid)
		if err != nil {
			return fmt.Errorf("%w: non-numeric gid for group %q", ErrDaemonize, groupName)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("%w: setgid(%d): %v", ErrDaemonize, gid, err)
		}
	}

	if userName != "" {
		usr, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("%w: unknown user %q: %v", ErrDaemonize, userName, err)
		}
		uid, err := strconv.Atoi(usr.Uid)
		if err != nil {
			return fmt.Errorf("%w: non-numeric uid for user %q", ErrDaemonize, userName)
		}
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("%w: setuid(%d): %v", ErrDaemonize, uid, err)
		}
	}
	return nil
}
