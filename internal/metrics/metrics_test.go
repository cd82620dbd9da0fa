// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("8000", http.MethodGet, "200"))
	RecordRequest(8000, http.MethodGet, 200, 25*time.Millisecond)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("8000", http.MethodGet, "200"))
	if after != before+1 {
		t.Errorf("requests counter = %v, want %v", after, before+1)
	}
}

func TestTrackActiveRequest(t *testing.T) {
	TrackActiveRequest(8001, true)
	if got := testutil.ToFloat64(ActiveRequests.WithLabelValues("8001")); got != 1 {
		t.Errorf("in-flight gauge = %v, want 1", got)
	}
	TrackActiveRequest(8001, false)
	if got := testutil.ToFloat64(ActiveRequests.WithLabelValues("8001")); got != 0 {
		t.Errorf("in-flight gauge = %v, want 0", got)
	}
}

func TestCacheCounters(t *testing.T) {
	hitsBefore := testutil.ToFloat64(CacheHits.WithLabelValues("8002"))
	RecordCacheHit(8002)
	RecordCacheMiss(8002)
	if got := testutil.ToFloat64(CacheHits.WithLabelValues("8002")); got != hitsBefore+1 {
		t.Errorf("cache hits = %v, want %v", got, hitsBefore+1)
	}
}

func TestWorkerStates(t *testing.T) {
	SetWorkerState("running", 3)
	if got := testutil.ToFloat64(WorkerStates.WithLabelValues("running")); got != 3 {
		t.Errorf("worker state gauge = %v, want 3", got)
	}
	SetWorkerState("running", 0)
}

func TestRecordBrokerPublish(t *testing.T) {
	okBefore := testutil.ToFloat64(BrokerPublishes.WithLabelValues("ok"))
	RecordBrokerPublish("ok")
	if got := testutil.ToFloat64(BrokerPublishes.WithLabelValues("ok")); got != okBefore+1 {
		t.Errorf("broker ok counter = %v, want %v", got, okBefore+1)
	}
}
