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
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cretz/bine/control"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const bootstrapPhaseKey = "status/bootstrap-phase"

var bootstrapProgressRegex = regexp.MustCompile(`PROGRESS=(\d+)`)

// ControlPortBootstrapper follows the bootstrap of an already running tor
// daemon through its control port.
type ControlPortBootstrapper struct {
	ControlAddress string
	// Password is used for HASHEDPASSWORD auth. Without it, the cookie file
	// advertised by PROTOCOLINFO or null auth is used.
	Password     string
	SocksAddress string
	Isolation    bool
	PollInterval time.Duration

	Log zerolog.Logger
}

func (b *ControlPortBootstrapper) StartTor(ctx context.Context, delegate Delegate) error {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", b.ControlAddress)
	if err != nil {
		return fmt.Errorf("failed to connect to control port: %w", err)
	}
	conn := control.NewConn(textproto.NewConn(netConn))
	// A control port that stops answering must not outlive the bootstrap.
	stopWatch := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	if err = conn.Authenticate(b.Password); err != nil {
		stopWatch()
		_ = conn.Close()
		return fmt.Errorf("failed to authenticate to control port: %w", err)
	}
	go b.poll(ctx, conn, stopWatch, delegate)
	return nil
}

func bootstrapPhase(conn *control.Conn) (int, error) {
	vals, err := conn.GetInfo(bootstrapPhaseKey)
	if err != nil {
		return 0, err
	}
	for _, kv := range vals {
		if kv.Key == bootstrapPhaseKey {
			return parseBootstrapProgress(kv.Val)
		}
	}
	return 0, fmt.Errorf("control port did not report %s", bootstrapPhaseKey)
}

func parseBootstrapProgress(msg string) (int, error) {
	match := bootstrapProgressRegex.FindStringSubmatch(msg)
	if match == nil {
		return 0, fmt.Errorf("unexpected bootstrap status %q", strings.TrimSpace(msg))
	}
	return strconv.Atoi(match[1])
}

func (b *ControlPortBootstrapper) poll(ctx context.Context, conn *control.Conn, stopWatch func() bool, delegate Delegate) {
	defer func() {
		stopWatch()
		_ = conn.Close()
	}()
	interval := b.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logSometimes := rate.Sometimes{Interval: 5 * time.Second}

	last := -1
	for {
		progress, err := bootstrapPhase(conn)
		if err != nil {
			if ctx.Err() == nil {
				delegate.TorConnError(err)
			} else if !errors.Is(ctx.Err(), context.Canceled) {
				delegate.TorConnError(ctx.Err())
			}
			return
		}
		if progress != last {
			last = progress
			delegate.TorConnProgress(progress)
			logSometimes.Do(func() {
				b.Log.Debug().Int("progress", progress).Msg("Tor bootstrapping")
			})
		}
		if progress >= 100 {
			delegate.TorConnFinished(TransportConfig{
				SocksAddress: b.SocksAddress,
				Isolation:    b.Isolation,
			})
			return
		}
		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				delegate.TorConnError(ctx.Err())
			}
			return
		case <-ticker.C:
		}
	}
}
