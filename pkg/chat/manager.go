// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"context"
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/lrhodin/walletbridge/pkg/metrics"
	"github.com/lrhodin/walletbridge/pkg/session"
)

// Manager is the chat session manager. At most one native chat client is
// alive at a time; every call goes through the session so a missing client
// surfaces as session.ErrNoSession.
type Manager struct {
	engine  Engine
	log     zerolog.Logger
	session *session.Manager[StartParams, *Client]

	listenersLock sync.RWMutex
	onMessage     []func(Message)
	onStatus      []func(LivenessData)
}

func NewManager(engine Engine, log zerolog.Logger, m *metrics.Metrics, opts ...session.Option) *Manager {
	mgr := &Manager{
		engine: engine,
		log:    log.With().Str("component", "chat").Logger(),
	}
	opts = append([]session.Option{session.WithLogger(mgr.log), session.WithMetrics(m)}, opts...)
	mgr.session = session.NewManager[StartParams, *Client](session.KindChat, mgr.createClient, opts...)
	return mgr
}

func (m *Manager) createClient(_ context.Context, params StartParams) (*Client, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return NewClient(m.engine, params, m.log, m.dispatchMessage, m.dispatchStatus)
}

// Validate checks the parts of the params the engine would otherwise reject
// with an opaque code.
func (p StartParams) Validate() error {
	if p.Network == "" {
		return fmt.Errorf("network name is required")
	}
	if _, err := ma.NewMultiaddr(p.PublicAddress); err != nil {
		return fmt.Errorf("invalid public address %q: %w", p.PublicAddress, err)
	}
	if p.DatastorePath == "" {
		return fmt.Errorf("datastore path is required")
	}
	return nil
}

// OnMessage registers a listener for messages pushed by the engine.
func (m *Manager) OnMessage(fn func(Message)) {
	m.listenersLock.Lock()
	m.onMessage = append(m.onMessage, fn)
	m.listenersLock.Unlock()
}

// OnStatus registers a listener for contact liveness changes.
func (m *Manager) OnStatus(fn func(LivenessData)) {
	m.listenersLock.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.listenersLock.Unlock()
}

func (m *Manager) dispatchMessage(msg Message) {
	m.listenersLock.RLock()
	listeners := m.onMessage
	m.listenersLock.RUnlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

func (m *Manager) dispatchStatus(data LivenessData) {
	m.listenersLock.RLock()
	listeners := m.onStatus
	m.listenersLock.RUnlock()
	for _, fn := range listeners {
		fn(data)
	}
}

// Start replaces the current chat client with one built from params.
func (m *Manager) Start(ctx context.Context, params StartParams) error {
	return m.session.Start(ctx, params)
}

func (m *Manager) Stop() {
	m.session.Stop()
}

func (m *Manager) Active() (session.Info[StartParams], bool) {
	return m.session.Active()
}

func (m *Manager) AddContact(address string) error {
	return m.session.Do("add_contact", func(c *Client) error {
		return c.AddContact(address)
	})
}

func (m *Manager) Send(body, receiver string, metadata ...Metadata) error {
	return m.session.Do("send", func(c *Client) error {
		return c.Send(body, receiver, metadata...)
	})
}

func (m *Manager) FetchMessages(address string, limit, page int32) ([]Message, error) {
	return session.With(m.session, "fetch_messages", func(c *Client) ([]Message, error) {
		return c.FetchMessages(address, limit, page)
	})
}

func (m *Manager) OnlineStatus(address string) (OnlineStatus, error) {
	return session.With(m.session, "online_status", func(c *Client) (OnlineStatus, error) {
		return c.OnlineStatus(address)
	})
}
