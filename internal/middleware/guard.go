// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tinsmith/tinsmith/internal/logging"
	"github.com/tinsmith/tinsmith/internal/metrics"
	"github.com/tinsmith/tinsmith/internal/whitelist"
)

// Guard returns middleware that evaluates the worker's whitelist before any
// handler runs. A rejected request is answered with 403 Forbidden and the
// handler is never invoked. A source address that cannot be parsed is a
// denial, not a failure.
//
// xheaders trusts X-Real-IP / X-Forwarded-For when deriving the source
// address; enable it only behind a trusted proxy.
func Guard(port int, guard *whitelist.Guard, xheaders bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			source := sourceAddress(r, xheaders)

			allowed, err := guard.Allows(source)
			if err != nil {
				if !errors.Is(err, whitelist.ErrAddressParse) {
					logging.Warn().Err(err).Int("port", port).Msg("whitelist check failed")
				}
				metrics.RecordGuardDenial(port, "malformed")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if !allowed {
				metrics.RecordGuardDenial(port, "denied")
				logging.Debug().
					Int("port", port).
					Str("source", source).
					Msg("request source not whitelisted")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// sourceAddress derives the request source address. With xheaders enabled
// the proxy-supplied headers win, X-Real-IP before X-Forwarded-For (first
// hop), falling back to the connection's remote address.
func sourceAddress(r *http.Request, xheaders bool) string {
	if xheaders {
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	return r.RemoteAddr
}
