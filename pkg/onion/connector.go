// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package onion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/abesuite/go-socks/socks"
	"github.com/rs/zerolog"

	"github.com/lrhodin/walletbridge/pkg/chat"
	"github.com/lrhodin/walletbridge/pkg/gate"
	"github.com/lrhodin/walletbridge/pkg/metrics"
)

var ErrConnection = errors.New("tor connection error")

type State int

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "not-connected"
	}
}

// TransportConfig describes how to reach the network through tor once
// bootstrapping finished.
type TransportConfig struct {
	SocksAddress string
	Username     string
	Password     string
	// Isolation gives every dial its own circuit.
	Isolation bool
}

func (c TransportConfig) Dialer() *socks.Proxy {
	return &socks.Proxy{
		Addr:         c.SocksAddress,
		Username:     c.Username,
		Password:     c.Password,
		TorIsolation: c.Isolation,
	}
}

// HTTPClient returns a client that sends every request through the proxy.
func (c TransportConfig) HTTPClient(timeout time.Duration) *http.Client {
	proxy := c.Dialer()
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				type dialResult struct {
					conn net.Conn
					err  error
				}
				ch := make(chan dialResult, 1)
				go func() {
					conn, err := proxy.Dial(network, addr)
					ch <- dialResult{conn, err}
				}()
				select {
				case res := <-ch:
					return res.conn, res.err
				case <-ctx.Done():
					go func() {
						if res := <-ch; res.conn != nil {
							_ = res.conn.Close()
						}
					}()
					return nil, ctx.Err()
				}
			},
		},
	}
}

// ChatTransport converts the config into chat client transport params.
func (c TransportConfig) ChatTransport() chat.TransportParams {
	return chat.TransportParams{
		SocksAddress: c.SocksAddress,
		Username:     c.Username,
		Password:     c.Password,
	}
}

// Delegate receives bootstrap notifications. Calls may come from any
// goroutine and may keep coming after a terminal call.
type Delegate interface {
	TorConnProgress(percent int)
	TorConnFinished(cfg TransportConfig)
	TorConnError(err error)
}

// Bootstrapper starts tor and reports to the delegate. StartTor must not
// block on the bootstrap itself; cancelling ctx abandons it.
type Bootstrapper interface {
	StartTor(ctx context.Context, delegate Delegate) error
}

// Connector turns a Bootstrapper into a single awaitable operation.
type Connector struct {
	boot    Bootstrapper
	log     zerolog.Logger
	metrics *metrics.Metrics

	lock  sync.Mutex
	state State
}

func NewConnector(boot Bootstrapper, log zerolog.Logger, m *metrics.Metrics) *Connector {
	return &Connector{
		boot:    boot,
		log:     log.With().Str("component", "tor").Logger(),
		metrics: m,
	}
}

func (c *Connector) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *Connector) setState(state State) {
	c.lock.Lock()
	c.state = state
	c.lock.Unlock()
}

type gateDelegate struct {
	connector *Connector
	gate      *gate.Gate[TransportConfig]
	progress  func(int)
}

func (d *gateDelegate) TorConnProgress(percent int) {
	if d.gate.Status() != gate.Pending {
		return
	}
	d.connector.setState(StateConnecting)
	d.connector.metrics.TorProgress(percent)
	if d.progress != nil {
		d.progress(percent)
	}
}

func (d *gateDelegate) TorConnFinished(cfg TransportConfig) {
	if d.gate.Status() != gate.Pending {
		return
	}
	d.connector.setState(StateConnected)
	if d.gate.Resolve(cfg) {
		d.connector.metrics.TorFinished(nil)
		d.connector.log.Info().Str("socks_address", cfg.SocksAddress).Msg("Tor connected")
	}
}

func (d *gateDelegate) TorConnError(err error) {
	if d.gate.Status() != gate.Pending {
		return
	}
	d.connector.setState(StateNotConnected)
	wrapped := fmt.Errorf("%w: %w", ErrConnection, err)
	if d.gate.Fail(wrapped) {
		d.connector.metrics.TorFinished(wrapped)
		d.connector.log.Err(err).Msg("Tor connection error")
	}
}

// Start bootstraps tor and waits for it to finish. progress receives the
// bootstrap percentage until the connection is up. Cancelling ctx abandons
// the bootstrap and tears it down.
func (c *Connector) Start(ctx context.Context, progress func(int)) (TransportConfig, error) {
	g := gate.Begin(func(g *gate.Gate[TransportConfig]) (func(), error) {
		bootCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.setState(StateConnecting)
		err := c.boot.StartTor(bootCtx, &gateDelegate{connector: c, gate: g, progress: progress})
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrConnection, err)
		}
		return cancel, err
	})
	defer g.Abandon()
	cfg, err := g.Wait(ctx)
	if err != nil && c.State() != StateConnected {
		c.setState(StateNotConnected)
	}
	return cfg, err
}
