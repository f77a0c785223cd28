// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wallet

import (
	"github.com/lrhodin/walletbridge/pkg/native"
)

// Engine is the wallet half of the native engine boundary.
type Engine interface {
	CreateWallet(network, datastorePath, passphrase, seedWords string, code *int32) native.Pointer
	DestroyWallet(wallet native.Pointer)

	CreateTariAddress(hex string, code *int32) native.Pointer
	TariAddressHex(addr native.Pointer, code *int32) string
	DestroyTariAddress(addr native.Pointer)

	GetContacts(wallet native.Pointer, code *int32) native.Pointer
	ContactsLen(list native.Pointer, code *int32) uint32
	ContactsAt(list native.Pointer, position uint32, code *int32) native.Pointer
	DestroyContacts(list native.Pointer)

	CreateContact(alias string, addr native.Pointer, favorite bool, code *int32) native.Pointer
	ContactAlias(contact native.Pointer, code *int32) string
	ContactAddress(contact native.Pointer, code *int32) native.Pointer
	ContactIsFavorite(contact native.Pointer, code *int32) bool
	DestroyContact(contact native.Pointer)

	UpsertContact(wallet, contact native.Pointer, code *int32)
	RemoveContact(wallet, contact native.Pointer, code *int32)
}
