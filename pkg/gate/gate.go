// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package gate turns callback or notification driven native workflows into a
// single awaitable result that resolves exactly once.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/util/exsync"
)

type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ErrAbandoned is returned to a waiter that stopped observing the gate
// before it reached a terminal state.
var ErrAbandoned = errors.New("gate abandoned before resolution")

// Gate holds the status of one in-flight operation. Resolve and Fail may be
// called from any goroutine; the first call commits the terminal value and
// every later call is discarded.
type Gate[T any] struct {
	lock   sync.Mutex
	status Status
	value  T
	err    error
	done   *exsync.Event

	stop     func()
	stopOnce sync.Once
}

// Begin marks a new gate as pending and runs start, which is expected to
// register listeners or kick off the native operation. The returned stop
// function tears those listeners down and runs exactly once, when the gate
// first reaches a terminal state. A start error fails the gate immediately.
//
// start may resolve the gate synchronously.
func Begin[T any](start func(g *Gate[T]) (stop func(), err error)) *Gate[T] {
	g := &Gate[T]{
		status: Pending,
		done:   exsync.NewEvent(),
	}
	stop, err := start(g)
	g.lock.Lock()
	g.stop = stop
	g.lock.Unlock()
	if err != nil {
		g.Fail(err)
	}
	if g.Status() != Pending {
		g.runStop()
	}
	return g
}

// Resolve commits a successful result. It reports whether this call won.
func (g *Gate[T]) Resolve(value T) bool {
	return g.commit(Succeeded, value, nil)
}

// Fail commits a failure. It reports whether this call won.
func (g *Gate[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("gate failed without an error")
	}
	var zero T
	return g.commit(Failed, zero, err)
}

func (g *Gate[T]) commit(status Status, value T, err error) bool {
	g.lock.Lock()
	if g.status != Pending {
		g.lock.Unlock()
		return false
	}
	g.status = status
	g.value = value
	g.err = err
	g.done.Set()
	hasStop := g.stop != nil
	g.lock.Unlock()
	if hasStop {
		g.runStop()
	}
	return true
}

func (g *Gate[T]) runStop() {
	g.lock.Lock()
	stop := g.stop
	g.lock.Unlock()
	if stop == nil {
		return
	}
	g.stopOnce.Do(stop)
}

// Abandon withdraws interest in the result. If the gate is still pending it
// fails with ErrAbandoned, which also runs the registered stop function so
// native listeners are torn down explicitly.
func (g *Gate[T]) Abandon() {
	g.Fail(ErrAbandoned)
}

// Wait blocks until the gate resolves or ctx is done. Cancelling ctx only
// stops this waiter from observing the result; it does not cancel the native
// operation.
func (g *Gate[T]) Wait(ctx context.Context) (T, error) {
	if err := g.done.Wait(ctx); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrAbandoned, err)
	}
	return g.Result()
}

// Done is closed once the gate has a terminal value.
func (g *Gate[T]) Done() exsync.EventChan {
	return g.done.GetChan()
}

func (g *Gate[T]) Status() Status {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.status
}

// Result returns the terminal value. While pending it returns the zero value
// and a nil error; check Status or Done first.
func (g *Gate[T]) Result() (T, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.value, g.err
}
