// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package native owns opaque handles returned by the native wallet/chat engine
// and translates the engine's out-parameter error codes into Go errors.
package native

import (
	"errors"
	"fmt"
	"sync"
)

// Pointer is an opaque reference to a resource owned by the native engine.
// The zero value is the null pointer.
type Pointer uintptr

// IsNull reports whether the pointer is the null pointer.
func (p Pointer) IsNull() bool {
	return p == 0
}

// Kind names the type of native resource behind a handle.
type Kind string

const (
	KindWallet          Kind = "wallet"
	KindConfig          Kind = "config"
	KindChatClient      Kind = "chat-client"
	KindMessage         Kind = "message"
	KindMessageList     Kind = "message-list"
	KindContact         Kind = "contact"
	KindContactList     Kind = "contact-list"
	KindAddress         Kind = "address"
	KindTransportConfig Kind = "transport-config"
)

// ErrReleased is returned when an operation is attempted on a handle whose
// release has already begun.
var ErrReleased = errors.New("native handle already released")

// Handle exclusively owns one native resource. It must not be copied; pass
// *Handle around and call Release exactly when the owning scope ends
// (usually with defer). Release is never driven by a finalizer.
//
// Calls made through Use hold a shared claim on the pointer, so Release
// waits for in-flight calls and no call starts after release has begun.
type Handle struct {
	kind    Kind
	ptr     Pointer
	release func(Pointer)

	lock     sync.RWMutex
	released bool
}

// Construct runs a native constructor and takes ownership of its result.
//
// The error slot passed to create starts at -1 so a constructor that never
// writes it is treated as failed. A non-zero code yields a *NativeError and
// whatever pointer was returned is discarded without being released. A zero
// code with a null pointer yields a *NativeError with CodeUnexpectedNull.
func Construct(kind Kind, domain string, create func(code *int32) Pointer, release func(Pointer)) (*Handle, error) {
	code := int32(-1)
	ptr := create(&code)
	if code != 0 {
		return nil, &NativeError{Domain: domain, Code: code}
	}
	if ptr.IsNull() {
		return nil, &NativeError{Domain: domain, Code: CodeUnexpectedNull}
	}
	return Own(kind, ptr, release), nil
}

// Own wraps a pointer that the engine handed over through some other path
// (for example an element returned from a list accessor).
func Own(kind Kind, ptr Pointer, release func(Pointer)) *Handle {
	return &Handle{kind: kind, ptr: ptr, release: release}
}

// Kind returns the resource kind of the handle.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Use passes the raw pointer to fn while holding a claim that keeps the
// resource alive. fn must not call Release on the same handle.
func (h *Handle) Use(fn func(Pointer) error) error {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if h.released {
		return fmt.Errorf("%s: %w", h.kind, ErrReleased)
	}
	return fn(h.ptr)
}

// Release frees the native resource. Only the first call has any effect.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.released {
		return
	}
	h.released = true
	if h.release != nil {
		h.release(h.ptr)
	}
	h.ptr = 0
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.released
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s@%#x", h.kind, uintptr(h.ptr))
}
