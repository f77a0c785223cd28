// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package memengine is an in-process implementation of the native engine
// boundary. It keeps every object in a table keyed by pointer, counts
// creations and destructions per kind and can be told to fail any call.
package memengine

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/lrhodin/walletbridge/pkg/chat"
	"github.com/lrhodin/walletbridge/pkg/native"
	"github.com/lrhodin/walletbridge/pkg/wallet"
)

const (
	CodeInvalidArgument int32 = 1
	CodeNotFound        int32 = 2
	CodeWrongKind       int32 = 3
	CodeInvalidAddress  int32 = 205
	CodeOutOfBounds     int32 = 301
)

var (
	_ chat.Engine   = (*Engine)(nil)
	_ wallet.Engine = (*Engine)(nil)
)

type Options struct {
	Clock clock.Clock
	// Echo makes every sent chat message come back as an inbound reply.
	Echo bool
}

type fault struct {
	code int32
	null bool
	once bool
}

type Engine struct {
	clock clock.Clock
	echo  bool

	lock      sync.Mutex
	next      native.Pointer
	objects   map[native.Pointer]object
	created   map[native.Kind]int
	destroyed map[native.Kind]int
	misuse    []string
	faults    map[string]fault
	calls     map[string]int

	conversations map[string][]*messageData
	contacts      map[string]map[string]contactData
	seq           int

	callbacks sync.WaitGroup
}

type object struct {
	kind  native.Kind
	value any
}

type transportConfig struct {
	socksAddress string
	username     string
	password     string
}

type chatConfig struct {
	network       string
	publicAddress string
	datastorePath string
	transport     transportConfig
}

type chatClient struct {
	cfg       chatConfig
	onStatus  func(chat.LivenessData)
	onMessage func(native.Pointer)
	contacts  map[string]struct{}
}

type messageData struct {
	id        string
	peer      string
	body      string
	timestamp uint64
	direction chat.Direction
	metadata  []chat.Metadata
}

type walletData struct {
	network       string
	datastorePath string
}

type contactData struct {
	alias    string
	address  string
	favorite bool
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.NewDefaultClock()
	}
	return &Engine{
		clock:         opts.Clock,
		echo:          opts.Echo,
		objects:       make(map[native.Pointer]object),
		created:       make(map[native.Kind]int),
		destroyed:     make(map[native.Kind]int),
		faults:        make(map[string]fault),
		calls:         make(map[string]int),
		conversations: make(map[string][]*messageData),
		contacts:      make(map[string]map[string]contactData),
	}
}

// Fail makes every following call to op report code.
func (e *Engine) Fail(op string, code int32) {
	e.lock.Lock()
	e.faults[op] = fault{code: code}
	e.lock.Unlock()
}

// FailOnce makes the next call to op report code.
func (e *Engine) FailOnce(op string, code int32) {
	e.lock.Lock()
	e.faults[op] = fault{code: code, once: true}
	e.lock.Unlock()
}

// ReturnNull makes the next call to op return a null pointer with a zero code.
func (e *Engine) ReturnNull(op string) {
	e.lock.Lock()
	e.faults[op] = fault{null: true, once: true}
	e.lock.Unlock()
}

func (e *Engine) ClearFaults() {
	e.lock.Lock()
	clear(e.faults)
	e.lock.Unlock()
}

func (e *Engine) Created(kind native.Kind) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.created[kind]
}

func (e *Engine) Destroyed(kind native.Kind) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.destroyed[kind]
}

// Live returns the number of objects of kind that have not been destroyed.
func (e *Engine) Live(kind native.Kind) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	n := 0
	for _, obj := range e.objects {
		if obj.kind == kind {
			n++
		}
	}
	return n
}

// LiveTotal returns the number of objects of any kind still alive.
func (e *Engine) LiveTotal() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.objects)
}

// Misuse lists destroy or access calls made with unknown or mismatched
// pointers (double free, use after free).
func (e *Engine) Misuse() []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([]string(nil), e.misuse...)
}

func (e *Engine) Calls(op string) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.calls[op]
}

// WaitCallbacks blocks until every callback goroutine started so far has
// returned.
func (e *Engine) WaitCallbacks() {
	e.callbacks.Wait()
}

// enter records a call to op and applies any injected fault. It must be
// called with the lock held. A false return means the call must stop.
func (e *Engine) enter(op string, code *int32) (ok, null bool) {
	e.calls[op]++
	f, found := e.faults[op]
	if found {
		if f.once {
			delete(e.faults, op)
		}
		if f.null {
			*code = 0
			return false, true
		}
		*code = f.code
		return false, false
	}
	*code = 0
	return true, false
}

func (e *Engine) allocLocked(kind native.Kind, value any) native.Pointer {
	e.next++
	p := e.next
	e.objects[p] = object{kind: kind, value: value}
	e.created[kind]++
	return p
}

func (e *Engine) destroy(kind native.Kind, p native.Pointer) {
	e.lock.Lock()
	defer e.lock.Unlock()
	obj, ok := e.objects[p]
	if !ok {
		e.misuse = append(e.misuse, fmt.Sprintf("destroy %s %d: unknown pointer", kind, p))
		return
	}
	if obj.kind != kind {
		e.misuse = append(e.misuse, fmt.Sprintf("destroy %s %d: object is %s", kind, p, obj.kind))
		return
	}
	delete(e.objects, p)
	e.destroyed[kind]++
}

func getLocked[T any](e *Engine, kind native.Kind, p native.Pointer, code *int32) (T, bool) {
	var zero T
	obj, ok := e.objects[p]
	if !ok {
		e.misuse = append(e.misuse, fmt.Sprintf("access %s %d: unknown pointer", kind, p))
		*code = CodeNotFound
		return zero, false
	}
	v, ok := obj.value.(T)
	if obj.kind != kind || !ok {
		e.misuse = append(e.misuse, fmt.Sprintf("access %s %d: object is %s", kind, p, obj.kind))
		*code = CodeWrongKind
		return zero, false
	}
	return v, true
}

func parseAddress(raw string) (string, bool) {
	raw = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	if raw == "" {
		return "", false
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", false
	}
	return raw, true
}

func (e *Engine) CreateTariAddress(raw string, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("create_address", code); !ok {
		return 0
	}
	addr, ok := parseAddress(raw)
	if !ok {
		*code = CodeInvalidAddress
		return 0
	}
	return e.allocLocked(native.KindAddress, addr)
}

func (e *Engine) TariAddressHex(p native.Pointer, code *int32) string {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("address_hex", code); !ok {
		return ""
	}
	addr, _ := getLocked[string](e, native.KindAddress, p, code)
	return addr
}

func (e *Engine) DestroyTariAddress(p native.Pointer) {
	e.destroy(native.KindAddress, p)
}
