// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package worker

import "net/http"

// Route binds a chi pattern to an application handler. Cached routes are
// wrapped in the worker's output cache, so the handler runs at most once
// per distinct request shape until the cache is flushed.
type Route struct {
	Pattern string
	Handler http.Handler
	Cached  bool
}

// RouteSet is the application's route table. One set is shared by every
// worker; each worker mounts it behind its own middleware chain and
// output cache.
type RouteSet struct {
	routes []Route
}

// NewRouteSet creates an empty route table.
func NewRouteSet() *RouteSet {
	return &RouteSet{}
}

// Handle registers a handler for pattern.
func (rs *RouteSet) Handle(pattern string, h http.Handler) {
	rs.routes = append(rs.routes, Route{Pattern: pattern, Handler: h})
}

// HandleFunc registers a handler function for pattern.
func (rs *RouteSet) HandleFunc(pattern string, h http.HandlerFunc) {
	rs.Handle(pattern, h)
}

// HandleCached registers a handler whose rendered output is memoized in
// the worker's output cache, keyed by method, path, and query arguments.
func (rs *RouteSet) HandleCached(pattern string, h http.Handler) {
	rs.routes = append(rs.routes, Route{Pattern: pattern, Handler: h, Cached: true})
}

// HandleCachedFunc registers a cached handler function for pattern.
func (rs *RouteSet) HandleCachedFunc(pattern string, h http.HandlerFunc) {
	rs.HandleCached(pattern, h)
}

// Routes returns the registered routes in registration order.
func (rs *RouteSet) Routes() []Route {
	return rs.routes
}
