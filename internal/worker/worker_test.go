// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinsmith/tinsmith/internal/config"
	"github.com/tinsmith/tinsmith/internal/whitelist"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTPServer: config.HTTPServerConfig{
			Host:  "127.0.0.1",
			Ports: []int{0},
		},
		Shutdown: config.ShutdownConfig{GracePeriod: 2 * time.Second},
	}
}

// startWorker binds w on an ephemeral port, runs Serve in the background,
// and returns the base URL plus a stop function that drains the worker.
func startWorker(t *testing.T, w *Worker) (string, func()) {
	t.Helper()

	if err := w.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
	return "http://" + w.Addr().String(), stop
}

func TestBindPortInUse(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot open blocking listener: %v", err)
	}
	defer func() { _ = blocker.Close() }()
	port := blocker.Addr().(*net.TCPAddr).Port

	cfg := testConfig()
	w := New(Options{Port: port, Config: cfg, Routes: NewRouteSet()})
	if err := w.Bind(); !errors.Is(err, ErrBind) {
		t.Errorf("binding a taken port should report ErrBind, got %v", err)
	}
}

func TestWorkerServesRoutes(t *testing.T) {
	routes := NewRouteSet()
	routes.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello from worker")
	})

	w := New(Options{Port: 0, Config: testConfig(), Routes: routes})
	base, stop := startWorker(t, w)
	defer stop()

	if got := w.State(); got != StateRunning {
		// Serve may still be between Bind and setState.
		time.Sleep(50 * time.Millisecond)
		if got = w.State(); got != StateRunning {
			t.Fatalf("state = %v, want running", got)
		}
	}

	resp, err := http.Get(base + "/hello")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from worker" {
		t.Errorf("body = %q", body)
	}
}

func TestWorkerGuardRejectsOutsideWhitelist(t *testing.T) {
	handled := atomic.Int64{}
	routes := NewRouteSet()
	routes.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		handled.Add(1)
	})

	// 192.0.2.0/24 never matches a loopback client.
	guard, err := whitelist.New([]string{"192.0.2.0/24"}, false)
	if err != nil {
		t.Fatalf("guard construction failed: %v", err)
	}

	w := New(Options{Port: 0, Config: testConfig(), Routes: routes, Guard: guard})
	base, stop := startWorker(t, w)
	defer stop()

	resp, err := http.Get(base + "/private")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if handled.Load() != 0 {
		t.Error("handler ran for a rejected request")
	}
}

func TestWorkerCachedRouteComputesOnce(t *testing.T) {
	var computes atomic.Int64
	routes := NewRouteSet()
	routes.HandleCachedFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		computes.Add(1)
		fmt.Fprint(w, "expensive output")
	})

	w := New(Options{Port: 0, Config: testConfig(), Routes: routes})
	base, stop := startWorker(t, w)
	defer stop()

	for i := 0; i < 3; i++ {
		resp, err := http.Get(base + "/report")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if string(body) != "expensive output" {
			t.Errorf("request %d body = %q", i, body)
		}
	}
	if got := computes.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}

	// A flush forces recomputation.
	w.FlushCache()
	resp, err := http.Get(base + "/report")
	if err != nil {
		t.Fatalf("post-flush request failed: %v", err)
	}
	_ = resp.Body.Close()
	if got := computes.Load(); got != 2 {
		t.Errorf("handler ran %d times after flush, want 2", got)
	}
}

func TestWorkerDrainCompletesInFlightRequests(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	routes := NewRouteSet()
	routes.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		fmt.Fprint(w, "finished")
	})

	w := New(Options{Port: 0, Config: testConfig(), Routes: routes})
	base, stop := startWorker(t, w)

	var wg sync.WaitGroup
	var body []byte
	var reqErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := http.Get(base + "/slow")
		if err != nil {
			reqErr = err
			return
		}
		defer func() { _ = resp.Body.Close() }()
		body, reqErr = io.ReadAll(resp.Body)
	}()

	<-entered
	// Shut down while the request is in flight, then let it finish.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	stop()
	wg.Wait()

	if reqErr != nil {
		t.Fatalf("in-flight request failed during drain: %v", reqErr)
	}
	if string(body) != "finished" {
		t.Errorf("body = %q, want finished", body)
	}
	if got := w.State(); got != StateStopped {
		t.Errorf("state after drain = %v, want stopped", got)
	}
}

func TestWorkerStateTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	routes := NewRouteSet()
	routes.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})

	w := New(Options{
		Port:   0,
		Config: testConfig(),
		Routes: routes,
		OnState: func(port int, s State) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	_, stop := startWorker(t, w)
	stop()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRunning, StateDraining, StateStopped}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestWorkerServeWithoutBindFails(t *testing.T) {
	w := New(Options{Port: 0, Config: testConfig(), Routes: NewRouteSet()})
	if err := w.Serve(context.Background()); err == nil {
		t.Fatal("Serve without Bind should fail")
	}
	if got := w.State(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestWorkerCloseReleasesPort(t *testing.T) {
	w := New(Options{Port: 0, Config: testConfig(), Routes: NewRouteSet()})
	if err := w.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	addr := w.Addr().String()
	w.Close()

	// The port is free again.
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("port not released after Close: %v", err)
	}
	_ = l.Close()
	if got := w.State(); got != StateStopped {
		t.Errorf("state after Close = %v, want stopped", got)
	}
}
