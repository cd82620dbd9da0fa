// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/tinsmith/tinsmith/internal/logging"
)

// CookieName identifies the session cookie issued to clients.
const CookieName = "tinsmith_session"

type contextKey struct{}

// FromContext returns the session attached by Middleware, or nil when the
// request passed through no session layer.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(contextKey{}).(*Session)
	return sess
}

// Middleware loads the client's session from its cookie, creating a new
// one when the cookie is missing or names a dead session. The session is
// saved back after the handler runs, which also slides its expiry.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := loadOrCreate(store, r)
			if sess == nil {
				// Store failure; run the handler sessionless rather than
				// failing the request.
				next.ServeHTTP(w, r)
				return
			}

			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    sess.ID,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})

			ctx := context.WithValue(r.Context(), contextKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))

			if err := store.Save(sess); err != nil {
				logging.Warn().Err(err).Str("session_id", sess.ID).
					Msg("failed to persist session")
			}
		})
	}
}

func loadOrCreate(store *Store, r *http.Request) *Session {
	if cookie, err := r.Cookie(CookieName); err == nil {
		sess, err := store.Get(cookie.Value)
		if err == nil {
			return sess
		}
		if !errors.Is(err, ErrNotFound) {
			logging.Warn().Err(err).Msg("session lookup failed")
			return nil
		}
	}

	sess, err := store.New()
	if err != nil {
		logging.Warn().Err(err).Msg("session creation failed")
		return nil
	}
	return sess
}
