// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package session provides a durable per-worker session store backed by
// BadgerDB. Each worker owns its own database directory, so sessions are
// scoped to the port that created them and no cross-worker locking is
// needed.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const sessionKeyPrefix = "session:"

var (
	// ErrNotFound means no live session exists for the given ID. Expired
	// sessions report the same error; callers start a fresh session either
	// way.
	ErrNotFound = errors.New("session not found")
)

// Session is one client's server-side state. Data round-trips through
// JSON, so values survive as JSON types, not Go types.
type Session struct {
	ID             string         `json:"id"`
	Data           map[string]any `json:"data"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// IsExpired reports whether the session's lifetime has elapsed.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Store persists sessions in a BadgerDB database. Entries carry a Badger
// TTL matching the session lifetime, so expired sessions are reclaimed by
// the database itself without a sweeper goroutine.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens (creating if necessary) the session database at path.
func Open(path string, ttl time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Suppress BadgerDB internal logs
	// Sessions are small records; keep value log files proportionate.
	opts.ValueLogFileSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for sessions: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// OpenInMemory opens a non-durable store. Used by tests and by workers
// configured without a session path.
func OpenInMemory(ttl time.Duration) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger db: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// New creates and persists a fresh session.
func (s *Store) New() (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:             uuid.NewString(),
		Data:           make(map[string]any),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get retrieves a session by ID. Expired sessions are reported as not
// found.
func (s *Store) Get(id string) (*Session, error) {
	var sess Session

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return nil, err
	}

	// Badger's TTL reclaims lazily; enforce expiry on read as well.
	if sess.IsExpired() {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Save persists the session, refreshing its last-access time and sliding
// its expiry forward by the store TTL.
func (s *Store) Save(sess *Session) error {
	now := time.Now()
	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(sessionKeyPrefix+sess.ID), data).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

// Delete removes a session. Deleting an unknown ID is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(sessionKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Count returns the number of stored sessions, including any expired
// entries Badger has not yet reclaimed.
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(sessionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
