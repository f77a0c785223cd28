// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lrhodin/walletbridge/pkg/native"
)

const (
	ContactsDomain = "Contacts"
	AddressDomain  = "Address"
	ErrorDomain    = "Wallet"
)

var ErrContactNotFound = errors.New("contact not found")

// Contact is a contact copied out of the engine.
type Contact struct {
	Alias    string
	Address  string
	Favorite bool
}

// Contacts owns a native contact list. Callers must Release it.
type Contacts struct {
	engine Engine
	handle *native.Handle
}

func (c *Contacts) Release() {
	c.handle.Release()
}

func (c *Contacts) Count() (uint32, error) {
	var n uint32
	err := c.handle.Use(func(p native.Pointer) (err error) {
		n, err = native.CallValue(ContactsDomain, func(code *int32) uint32 {
			return c.engine.ContactsLen(p, code)
		})
		return err
	})
	return n, err
}

// At copies the contact at position. A null element is reported as
// ErrContactNotFound.
func (c *Contacts) At(position uint32) (Contact, error) {
	var out Contact
	err := c.handle.Use(func(lp native.Pointer) error {
		h, err := native.Construct(native.KindContact, ContactsDomain, func(code *int32) native.Pointer {
			return c.engine.ContactsAt(lp, position, code)
		}, c.engine.DestroyContact)
		if errors.Is(err, native.ErrUnexpectedNull) {
			return ErrContactNotFound
		} else if err != nil {
			return err
		}
		defer h.Release()
		return h.Use(func(cp native.Pointer) (err error) {
			out, err = readContact(c.engine, cp)
			return err
		})
	})
	return out, err
}

// List copies every contact. Nothing is returned if any element fails.
func (c *Contacts) List() ([]Contact, error) {
	count, err := c.Count()
	if err != nil {
		return nil, err
	}
	list := make([]Contact, 0, count)
	for i := uint32(0); i < count; i++ {
		contact, err := c.At(i)
		if err != nil {
			return nil, err
		}
		list = append(list, contact)
	}
	return list, nil
}

// Find looks up a contact by address.
func (c *Contacts) Find(address string) (Contact, error) {
	want := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(address)), "0x")
	list, err := c.List()
	if err != nil {
		return Contact{}, err
	}
	for _, contact := range list {
		if contact.Address == want {
			return contact, nil
		}
	}
	return Contact{}, fmt.Errorf("%w: %s", ErrContactNotFound, want)
}

func readContact(engine Engine, p native.Pointer) (Contact, error) {
	var out Contact
	var err error
	if out.Alias, err = native.CallValue(ContactsDomain, func(code *int32) string {
		return engine.ContactAlias(p, code)
	}); err != nil {
		return out, err
	}
	if out.Favorite, err = native.CallValue(ContactsDomain, func(code *int32) bool {
		return engine.ContactIsFavorite(p, code)
	}); err != nil {
		return out, err
	}
	addr, err := native.Construct(native.KindAddress, AddressDomain, func(code *int32) native.Pointer {
		return engine.ContactAddress(p, code)
	}, engine.DestroyTariAddress)
	if err != nil {
		return out, err
	}
	defer addr.Release()
	out.Address, err = addressHex(engine, addr)
	return out, err
}

func addressHex(engine Engine, addr *native.Handle) (string, error) {
	var hex string
	err := addr.Use(func(p native.Pointer) (err error) {
		hex, err = native.CallValue(AddressDomain, func(code *int32) string {
			return engine.TariAddressHex(p, code)
		})
		return err
	})
	return strings.ToLower(hex), err
}

func newAddress(engine Engine, hex string) (*native.Handle, error) {
	return native.Construct(native.KindAddress, AddressDomain, func(code *int32) native.Pointer {
		return engine.CreateTariAddress(strings.TrimSpace(hex), code)
	}, engine.DestroyTariAddress)
}
