// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package memengine

import (
	"sort"

	"github.com/lrhodin/walletbridge/pkg/native"
)

func (e *Engine) CreateWallet(network, datastorePath, passphrase, seedWords string, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("create_wallet", code); !ok {
		return 0
	}
	if network == "" || datastorePath == "" {
		*code = CodeInvalidArgument
		return 0
	}
	if _, ok := e.contacts[datastorePath]; !ok {
		e.contacts[datastorePath] = make(map[string]contactData)
	}
	return e.allocLocked(native.KindWallet, &walletData{network: network, datastorePath: datastorePath})
}

func (e *Engine) DestroyWallet(p native.Pointer) {
	e.destroy(native.KindWallet, p)
}

type contactList []contactData

func (e *Engine) GetContacts(wallet native.Pointer, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("get_contacts", code); !ok {
		return 0
	}
	w, ok := getLocked[*walletData](e, native.KindWallet, wallet, code)
	if !ok {
		return 0
	}
	list := make(contactList, 0, len(e.contacts[w.datastorePath]))
	for _, c := range e.contacts[w.datastorePath] {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].alias < list[j].alias || (list[i].alias == list[j].alias && list[i].address < list[j].address)
	})
	return e.allocLocked(native.KindContactList, list)
}

func (e *Engine) ContactsLen(list native.Pointer, code *int32) uint32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("contacts_len", code); !ok {
		return 0
	}
	l, _ := getLocked[contactList](e, native.KindContactList, list, code)
	return uint32(len(l))
}

func (e *Engine) ContactsAt(list native.Pointer, position uint32, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("contacts_at", code); !ok {
		return 0
	}
	l, ok := getLocked[contactList](e, native.KindContactList, list, code)
	if !ok {
		return 0
	}
	if int(position) >= len(l) {
		*code = CodeOutOfBounds
		return 0
	}
	c := l[position]
	return e.allocLocked(native.KindContact, &c)
}

func (e *Engine) DestroyContacts(p native.Pointer) {
	e.destroy(native.KindContactList, p)
}

func (e *Engine) CreateContact(alias string, addr native.Pointer, favorite bool, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("create_contact", code); !ok {
		return 0
	}
	a, ok := getLocked[string](e, native.KindAddress, addr, code)
	if !ok {
		return 0
	}
	return e.allocLocked(native.KindContact, &contactData{alias: alias, address: a, favorite: favorite})
}

func (e *Engine) contact(op string, p native.Pointer, code *int32) (*contactData, bool) {
	if ok, _ := e.enter(op, code); !ok {
		return nil, false
	}
	return getLocked[*contactData](e, native.KindContact, p, code)
}

func (e *Engine) ContactAlias(p native.Pointer, code *int32) string {
	e.lock.Lock()
	defer e.lock.Unlock()
	if c, ok := e.contact("contact_alias", p, code); ok {
		return c.alias
	}
	return ""
}

func (e *Engine) ContactAddress(p native.Pointer, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if c, ok := e.contact("contact_address", p, code); ok {
		return e.allocLocked(native.KindAddress, c.address)
	}
	return 0
}

func (e *Engine) ContactIsFavorite(p native.Pointer, code *int32) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	if c, ok := e.contact("contact_is_favorite", p, code); ok {
		return c.favorite
	}
	return false
}

func (e *Engine) DestroyContact(p native.Pointer) {
	e.destroy(native.KindContact, p)
}

func (e *Engine) UpsertContact(wallet, contact native.Pointer, code *int32) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("upsert_contact", code); !ok {
		return
	}
	w, ok := getLocked[*walletData](e, native.KindWallet, wallet, code)
	if !ok {
		return
	}
	c, ok := getLocked[*contactData](e, native.KindContact, contact, code)
	if !ok {
		return
	}
	e.contacts[w.datastorePath][c.address] = *c
}

func (e *Engine) RemoveContact(wallet, contact native.Pointer, code *int32) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("remove_contact", code); !ok {
		return
	}
	w, ok := getLocked[*walletData](e, native.KindWallet, wallet, code)
	if !ok {
		return
	}
	c, ok := getLocked[*contactData](e, native.KindContact, contact, code)
	if !ok {
		return
	}
	if _, found := e.contacts[w.datastorePath][c.address]; !found {
		*code = CodeNotFound
		return
	}
	delete(e.contacts[w.datastorePath], c.address)
}
