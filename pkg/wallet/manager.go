// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tyler-smith/go-bip39"

	"github.com/lrhodin/walletbridge/pkg/metrics"
	"github.com/lrhodin/walletbridge/pkg/native"
	"github.com/lrhodin/walletbridge/pkg/session"
)

var ErrInvalidRecoveryPhrase = errors.New("invalid recovery phrase")

// Config is the snapshot a wallet session is created from.
type Config struct {
	Network        string
	DatastorePath  string
	Passphrase     string
	RecoveryPhrase string
}

func (c Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network name is required")
	}
	if c.DatastorePath == "" {
		return fmt.Errorf("datastore path is required")
	}
	if c.RecoveryPhrase != "" && !bip39.IsMnemonicValid(normalizePhrase(c.RecoveryPhrase)) {
		return ErrInvalidRecoveryPhrase
	}
	return nil
}

func normalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// Wallet owns the native wallet handle.
type Wallet struct {
	engine Engine
	handle *native.Handle
}

func (w *Wallet) Close() {
	w.handle.Release()
}

func (w *Wallet) contacts() (*Contacts, error) {
	var list *native.Handle
	err := w.handle.Use(func(wp native.Pointer) (err error) {
		list, err = native.Construct(native.KindContactList, ContactsDomain, func(code *int32) native.Pointer {
			return w.engine.GetContacts(wp, code)
		}, w.engine.DestroyContacts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Contacts{engine: w.engine, handle: list}, nil
}

func (w *Wallet) withContact(alias, address string, favorite bool, fn func(wallet, contact native.Pointer) error) error {
	addr, err := newAddress(w.engine, address)
	if err != nil {
		return fmt.Errorf("failed to parse address: %w", err)
	}
	defer addr.Release()

	var contact *native.Handle
	err = addr.Use(func(ap native.Pointer) (err error) {
		contact, err = native.Construct(native.KindContact, ContactsDomain, func(code *int32) native.Pointer {
			return w.engine.CreateContact(alias, ap, favorite, code)
		}, w.engine.DestroyContact)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	defer contact.Release()

	return w.handle.Use(func(wp native.Pointer) error {
		return contact.Use(func(cp native.Pointer) error {
			return fn(wp, cp)
		})
	})
}

// Manager holds the wallet session.
type Manager struct {
	engine  Engine
	log     zerolog.Logger
	session *session.Manager[Config, *Wallet]
}

func NewManager(engine Engine, log zerolog.Logger, m *metrics.Metrics, opts ...session.Option) *Manager {
	mgr := &Manager{
		engine: engine,
		log:    log.With().Str("component", "wallet").Logger(),
	}
	opts = append([]session.Option{session.WithLogger(mgr.log), session.WithMetrics(m)}, opts...)
	mgr.session = session.NewManager[Config, *Wallet](session.KindWallet, mgr.createWallet, opts...)
	return mgr
}

func (m *Manager) createWallet(_ context.Context, cfg Config) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h, err := native.Construct(native.KindWallet, ErrorDomain, func(code *int32) native.Pointer {
		return m.engine.CreateWallet(cfg.Network, cfg.DatastorePath, cfg.Passphrase, normalizePhrase(cfg.RecoveryPhrase), code)
	}, m.engine.DestroyWallet)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &Wallet{engine: m.engine, handle: h}, nil
}

func (m *Manager) Start(ctx context.Context, cfg Config) error {
	return m.session.Start(ctx, cfg)
}

func (m *Manager) Stop() {
	m.session.Stop()
}

func (m *Manager) Active() (session.Info[Config], bool) {
	return m.session.Active()
}

// WithContacts runs fn with the wallet's contact list while the session is
// held. The list is released when fn returns and must not be retained.
func (m *Manager) WithContacts(fn func(*Contacts) error) error {
	return m.session.Do("contacts", func(w *Wallet) error {
		contacts, err := w.contacts()
		if err != nil {
			return err
		}
		defer contacts.Release()
		return fn(contacts)
	})
}

// ListContacts copies the contact list and releases it.
func (m *Manager) ListContacts() ([]Contact, error) {
	var list []Contact
	err := m.WithContacts(func(contacts *Contacts) (err error) {
		list, err = contacts.List()
		return
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// AddContact creates or updates the contact with address.
func (m *Manager) AddContact(alias, address string, favorite bool) error {
	return m.session.Do("upsert_contact", func(w *Wallet) error {
		return w.withContact(alias, address, favorite, func(wp, cp native.Pointer) error {
			return native.Call(ContactsDomain, func(code *int32) {
				m.engine.UpsertContact(wp, cp, code)
			})
		})
	})
}

func (m *Manager) RemoveContact(address string) error {
	return m.session.Do("remove_contact", func(w *Wallet) error {
		return w.withContact("", address, false, func(wp, cp native.Pointer) error {
			return native.Call(ContactsDomain, func(code *int32) {
				m.engine.RemoveContact(wp, cp, code)
			})
		})
	})
}
