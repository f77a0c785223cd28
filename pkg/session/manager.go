// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package session holds at most one live native session per kind and routes
// every call into it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	"github.com/lrhodin/walletbridge/pkg/metrics"
)

type Kind string

const (
	KindWallet Kind = "wallet"
	KindChat   Kind = "chat"
)

// ErrNoSession is returned when an operation targets a kind with no live
// session. No native call is attempted in that case.
var ErrNoSession = errors.New("no active session")

// Error wraps failures coming out of a session manager with the kind and
// operation that produced them.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Closer is implemented by session values. Close releases every native
// handle the session owns and must be synchronous.
type Closer interface {
	Close()
}

// Factory builds a session value from its config.
type Factory[C any, S Closer] func(ctx context.Context, cfg C) (S, error)

// Info describes the live session.
type Info[C any] struct {
	Config    C
	CreatedAt time.Time
}

// Manager owns zero or one session of a single kind. Start takes the
// exclusive lock and With takes the shared lock, so a replacement waits for
// in-flight operations and no operation observes a session being destroyed.
type Manager[C any, S Closer] struct {
	kind    Kind
	factory Factory[C, S]
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	lock    sync.RWMutex
	current *live[C, S]
}

type live[C any, S Closer] struct {
	info  Info[C]
	value S
}

type Option func(*options)

type options struct {
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func NewManager[C any, S Closer](kind Kind, factory Factory[C, S], opts ...Option) *Manager[C, S] {
	o := options{
		clock: clock.NewDefaultClock(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[C, S]{
		kind:    kind,
		factory: factory,
		clock:   o.clock,
		log:     o.log.With().Str("session_kind", string(kind)).Logger(),
		metrics: o.metrics,
	}
}

func (m *Manager[C, S]) Kind() Kind {
	return m.kind
}

// Start destroys the current session, if any, and creates a new one from cfg.
// If creation fails the manager is left without a session.
func (m *Manager[C, S]) Start(ctx context.Context, cfg C) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.closeLocked()

	value, err := m.factory(ctx, cfg)
	m.metrics.SessionStarted(string(m.kind), err)
	if err != nil {
		m.log.Err(err).Msg("Failed to start session")
		return &Error{Kind: m.kind, Op: "start", Err: err}
	}
	m.current = &live[C, S]{
		info:  Info[C]{Config: cfg, CreatedAt: m.clock.Now()},
		value: value,
	}
	m.log.Info().Msg("Session started")
	return nil
}

// Stop destroys the current session. It is a no-op without one.
func (m *Manager[C, S]) Stop() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closeLocked()
}

func (m *Manager[C, S]) closeLocked() {
	if m.current == nil {
		return
	}
	m.current.value.Close()
	m.current = nil
	m.metrics.SessionReleased(string(m.kind))
	m.log.Debug().Msg("Session released")
}

// Active returns the config snapshot and creation time of the live session.
func (m *Manager[C, S]) Active() (Info[C], bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.current == nil {
		return Info[C]{}, false
	}
	return m.current.info, true
}

// Do runs fn against the live session.
func (m *Manager[C, S]) Do(op string, fn func(S) error) error {
	_, err := With(m, op, func(s S) (struct{}, error) {
		return struct{}{}, fn(s)
	})
	return err
}

// With runs fn against the live session of m and returns its result. It
// fails with ErrNoSession when there is none.
func With[C any, S Closer, T any](m *Manager[C, S], op string, fn func(S) (T, error)) (T, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var zero T
	if m.current == nil {
		m.metrics.Operation(string(m.kind), ErrNoSession)
		return zero, &Error{Kind: m.kind, Op: op, Err: ErrNoSession}
	}
	val, err := fn(m.current.value)
	m.metrics.Operation(string(m.kind), err)
	if err != nil {
		return zero, &Error{Kind: m.kind, Op: op, Err: err}
	}
	return val, nil
}
