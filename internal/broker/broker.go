// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package broker provides a publish-only message-bus client. Workers
// emit application events through it; nothing in this process consumes,
// so the client carries no subscription state and a broker outage never
// blocks request handling.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/tinsmith/tinsmith/internal/logging"
	"github.com/tinsmith/tinsmith/internal/metrics"
)

// ErrNotConnected means the client has no live broker connection and the
// message was dropped.
var ErrNotConnected = errors.New("broker not connected")

// Publisher is a publish-only NATS client. A nil Publisher is valid and
// drops every message, so callers need no enabled/disabled branching.
type Publisher struct {
	conn *nats.Conn
	name string
}

// Connect establishes the broker connection. The connection retries in
// the background if the broker is unreachable at startup, so Connect only
// fails on configuration problems, not broker downtime.
func Connect(url, name string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn().Err(err).Msg("broker disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("broker reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", url, err)
	}
	return &Publisher{conn: conn, name: name}, nil
}

// Publish sends body to subject with the given content type. Messages
// published while disconnected or after ctx is done are dropped and
// reported, not queued: a stale event delivered minutes late is worse
// than a missing one.
func (p *Publisher) Publish(ctx context.Context, subject, contentType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		metrics.RecordBrokerPublish("dropped")
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	if p == nil || p.conn == nil {
		metrics.RecordBrokerPublish("dropped")
		return ErrNotConnected
	}
	if p.conn.Status() != nats.CONNECTED {
		metrics.RecordBrokerPublish("dropped")
		logging.Debug().Str("subject", subject).Msg("broker down, message dropped")
		return ErrNotConnected
	}

	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set("Content-Type", contentType)
	msg.Header.Set("App-Id", p.name)
	msg.Header.Set("Timestamp", time.Now().UTC().Format(time.RFC3339))

	if err := p.conn.PublishMsg(msg); err != nil {
		metrics.RecordBrokerPublish("error")
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	metrics.RecordBrokerPublish("ok")
	return nil
}

// PublishJSON marshals v and publishes it as application/json.
func (p *Publisher) PublishJSON(ctx context.Context, subject string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		metrics.RecordBrokerPublish("error")
		return fmt.Errorf("marshal event for %s: %w", subject, err)
	}
	return p.Publish(ctx, subject, "application/json", body)
}

// Close flushes buffered messages and closes the connection. Safe on a
// nil Publisher.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Flush(); err != nil {
		logging.Warn().Err(err).Msg("broker flush on close failed")
	}
	p.conn.Close()
}
