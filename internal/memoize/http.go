// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package memoize

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Handler wraps next so its successful responses are served from cache.
// Handlers opt into caching by being registered through this wrapper; no
// handler is ever cached implicitly.
//
// The cache key is built from the wrapped handler's registered name (its
// identity), the HTTP method, the request path as the positional argument,
// and the query parameters as keyword arguments. Two requests that are
// equal by value share one computation.
//
// Only 2xx responses are cached. Anything else is passed through to the
// client untouched and recomputed on the next call, keeping the cache
// transparent on failure.
func Handler(cache *Cache, name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kwargs := make(map[string]any, len(r.URL.Query()))
		for param, values := range r.URL.Query() {
			if len(values) == 1 {
				kwargs[param] = values[0]
			} else {
				kwargs[param] = values
			}
		}
		key := Key(name, r.Method, []any{r.URL.Path}, kwargs)

		entry, err := cache.GetOrCompute(key, func() (Entry, error) {
			rec := &responseRecorder{header: make(http.Header), status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status > 299 {
				return Entry{}, &uncacheableResponse{rec: rec}
			}
			return Entry{
				Value:       rec.body.Bytes(),
				ContentType: rec.header.Get("Content-Type"),
				CreatedAt:   time.Now(),
			}, nil
		})
		if err != nil {
			var uncacheable *uncacheableResponse
			if errors.As(err, &uncacheable) {
				uncacheable.rec.replay(w)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if entry.ContentType != "" {
			w.Header().Set("Content-Type", entry.ContentType)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(entry.Value)))
		_, _ = w.Write(entry.Value)
	})
}

// uncacheableResponse carries a non-2xx response out of the compute step
// so it reaches the client without being stored.
type uncacheableResponse struct {
	rec *responseRecorder
}

func (u *uncacheableResponse) Error() string {
	return "memoize: response not cacheable (status " + strconv.Itoa(u.rec.status) + ")"
}

// responseRecorder captures a handler's output for caching or replay.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

func (r *responseRecorder) replay(w http.ResponseWriter) {
	for name, values := range r.header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body.Bytes())
}
