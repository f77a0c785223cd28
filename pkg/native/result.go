// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package native

import (
	"errors"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// CodeUnexpectedNull marks a constructor that reported success but returned
// a null pointer. The engine never uses this value itself.
const CodeUnexpectedNull int32 = math.MinInt32

var ErrUnexpectedNull = errors.New("native call returned a null handle")

// NativeError carries a non-zero error code returned by the engine, tagged
// with the domain of the resource that produced it ("Chat", "Contacts", ...).
type NativeError struct {
	Domain string
	Code   int32
}

func (e *NativeError) Error() string {
	if e.Code == CodeUnexpectedNull {
		return fmt.Sprintf("%s error: unexpected null handle", e.Domain)
	}
	return fmt.Sprintf("%s error: code %d", e.Domain, e.Code)
}

func (e *NativeError) Unwrap() error {
	if e.Code == CodeUnexpectedNull {
		return ErrUnexpectedNull
	}
	return nil
}

// CodeOf extracts the native error code from err, if any.
func CodeOf(err error) (int32, bool) {
	var nerr *NativeError
	if errors.As(err, &nerr) {
		return nerr.Code, true
	}
	return 0, false
}

// Call runs a native operation that reports failure only through its error
// slot.
func Call(domain string, fn func(code *int32)) error {
	code := int32(-1)
	fn(&code)
	if code != 0 {
		return &NativeError{Domain: domain, Code: code}
	}
	return nil
}

// CallValue runs a native operation returning a plain value. The value is
// discarded when the error slot reports failure.
func CallValue[T any](domain string, fn func(code *int32) T) (T, error) {
	code := int32(-1)
	val := fn(&code)
	if code != 0 {
		var zero T
		return zero, &NativeError{Domain: domain, Code: code}
	}
	return val, nil
}

// Safe wraps an engine call with panic recovery so that a fault inside the
// binding surfaces as an error instead of unwinding through the caller.
func Safe(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			log.Error().Str("ffi_method", name).Str("stack", stack).Msgf("FFI panic recovered: %v", r)
			err = fmt.Errorf("FFI panic in %s: %v", name, r)
		}
	}()
	return fn()
}
