// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lrhodin/walletbridge/pkg/native"
)

// Address owns a native address handle.
type Address struct {
	engine Engine
	handle *native.Handle
}

// NewAddress parses a hex encoded address through the engine.
func NewAddress(engine Engine, hex string) (*Address, error) {
	h, err := native.Construct(native.KindAddress, ErrorDomain, func(code *int32) native.Pointer {
		return engine.CreateTariAddress(strings.TrimSpace(hex), code)
	}, engine.DestroyTariAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address: %w", err)
	}
	return &Address{engine: engine, handle: h}, nil
}

// Hex returns the canonical textual form of the address as reported by the
// engine. Cache keys are always built from this value.
func (a *Address) Hex() (string, error) {
	var hex string
	err := a.handle.Use(func(p native.Pointer) (err error) {
		hex, err = native.CallValue(ErrorDomain, func(code *int32) string {
			return a.engine.TariAddressHex(p, code)
		})
		return err
	})
	return strings.ToLower(hex), err
}

func (a *Address) Release() {
	a.handle.Release()
}

type TransportParams struct {
	SocksAddress string
	Username     string
	Password     string
}

// StartParams is the immutable snapshot a chat session is created from.
type StartParams struct {
	Network          string
	PublicAddress    string
	DatastorePath    string
	IdentityFilePath string
	LogPath          string
	LogVerbosity     int32
	Transport        TransportParams
}

func newTransportConfig(engine Engine, params TransportParams) (*native.Handle, error) {
	return native.Construct(native.KindTransportConfig, ErrorDomain, func(code *int32) native.Pointer {
		return engine.CreateTransportConfig(params.SocksAddress, params.Username, params.Password, code)
	}, engine.DestroyTransportConfig)
}

func newConfig(engine Engine, params StartParams) (*native.Handle, error) {
	transport, err := newTransportConfig(engine, params.Transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport config: %w", err)
	}
	defer transport.Release()

	var cfg *native.Handle
	err = transport.Use(func(tp native.Pointer) (err error) {
		cfg, err = native.Construct(native.KindConfig, ErrorDomain, func(code *int32) native.Pointer {
			return engine.CreateChatConfig(
				params.Network,
				params.PublicAddress,
				params.DatastorePath,
				params.IdentityFilePath,
				tp,
				params.LogPath,
				params.LogVerbosity,
				code,
			)
		}, engine.DestroyChatConfig)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat config: %w", err)
	}
	return cfg, nil
}

// Client owns a native chat client. It is the value held by a chat session.
type Client struct {
	engine Engine
	handle *native.Handle
	log    zerolog.Logger
}

// NewClient creates the native chat client. The config handle is only needed
// during construction and is released before returning.
func NewClient(engine Engine, params StartParams, log zerolog.Logger, onMessage func(Message), onStatus func(LivenessData)) (*Client, error) {
	cfg, err := newConfig(engine, params)
	if err != nil {
		return nil, err
	}
	defer cfg.Release()

	c := &Client{engine: engine, log: log}
	messageCallback := func(p native.Pointer) {
		// Called from an engine thread: never let a panic cross back.
		err := native.Safe("message_received", func() error {
			msg, err := c.readReceived(p)
			if err != nil {
				return err
			}
			if onMessage != nil {
				onMessage(msg)
			}
			return nil
		})
		if err != nil {
			c.log.Err(err).Msg("Failed to handle received chat message")
		}
	}
	statusCallback := func(data LivenessData) {
		c.log.Debug().Str("address", data.Address).Stringer("status", data.Status).Msg("Contact liveness changed")
		if onStatus != nil {
			_ = native.Safe("contact_status_changed", func() error {
				onStatus(data)
				return nil
			})
		}
	}

	err = cfg.Use(func(cp native.Pointer) (err error) {
		c.handle, err = native.Construct(native.KindChatClient, ErrorDomain, func(code *int32) native.Pointer {
			return engine.CreateChatClient(cp, code, statusCallback, messageCallback)
		}, engine.DestroyChatClient)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat client: %w", err)
	}
	return c, nil
}

// readReceived copies a message delivered through the receive callback. The
// engine keeps ownership of p.
func (c *Client) readReceived(p native.Pointer) (Message, error) {
	return readMessage(c.engine, p)
}

// Close releases the native chat client.
func (c *Client) Close() {
	c.handle.Release()
}

func (c *Client) withAddress(hex string, fn func(client, addr native.Pointer) error) error {
	addr, err := NewAddress(c.engine, hex)
	if err != nil {
		return err
	}
	defer addr.Release()
	return c.handle.Use(func(client native.Pointer) error {
		return addr.handle.Use(func(ap native.Pointer) error {
			return fn(client, ap)
		})
	})
}

func (c *Client) AddContact(hex string) error {
	return c.withAddress(hex, func(client, addr native.Pointer) error {
		return native.Call(ErrorDomain, func(code *int32) {
			c.engine.AddChatContact(client, addr, code)
		})
	})
}

func (c *Client) OnlineStatus(hex string) (OnlineStatus, error) {
	status := StatusUnknown
	err := c.withAddress(hex, func(client, addr native.Pointer) error {
		raw, err := native.CallValue(ErrorDomain, func(code *int32) int32 {
			return c.engine.CheckOnlineStatus(client, addr, code)
		})
		status = parseOnlineStatus(raw)
		return err
	})
	return status, err
}

// Send builds a native message for receiver and hands it to the engine.
func (c *Client) Send(body, receiver string, metadata ...Metadata) error {
	addr, err := NewAddress(c.engine, receiver)
	if err != nil {
		return err
	}
	defer addr.Release()

	var msg *native.Handle
	err = addr.handle.Use(func(ap native.Pointer) (err error) {
		msg, err = native.Construct(native.KindMessage, ErrorDomain, func(code *int32) native.Pointer {
			return c.engine.CreateChatMessage(ap, body, code)
		}, c.engine.DestroyChatMessage)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create chat message: %w", err)
	}
	defer msg.Release()

	return msg.Use(func(mp native.Pointer) error {
		for _, md := range metadata {
			err := native.Call(ErrorDomain, func(code *int32) {
				c.engine.AddChatMessageMetadata(mp, int32(md.Kind), md.Data, code)
			})
			if err != nil {
				return fmt.Errorf("failed to add message metadata: %w", err)
			}
		}
		return c.handle.Use(func(client native.Pointer) error {
			return native.Safe("send_chat_message", func() error {
				return native.Call(ErrorDomain, func(code *int32) {
					c.engine.SendChatMessage(client, mp, code)
				})
			})
		})
	})
}

// FetchMessages copies one page of the conversation with address out of the
// engine.
func (c *Client) FetchMessages(hex string, limit, page int32) ([]Message, error) {
	var out []Message
	err := c.withAddress(hex, func(client, addr native.Pointer) error {
		list, err := native.Construct(native.KindMessageList, ErrorDomain, func(code *int32) native.Pointer {
			return c.engine.GetChatMessages(client, addr, limit, page, code)
		}, c.engine.DestroyChatMessages)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		defer list.Release()
		out, err = c.readList(list)
		return err
	})
	return out, err
}

func (c *Client) readList(list *native.Handle) ([]Message, error) {
	var out []Message
	err := list.Use(func(lp native.Pointer) error {
		count, err := native.CallValue(ErrorDomain, func(code *int32) uint32 {
			return c.engine.ChatMessagesLen(lp, code)
		})
		if err != nil {
			return err
		}
		out = make([]Message, 0, count)
		for i := uint32(0); i < count; i++ {
			msg, err := native.Construct(native.KindMessage, ErrorDomain, func(code *int32) native.Pointer {
				return c.engine.ChatMessagesAt(lp, i, code)
			}, c.engine.DestroyChatMessage)
			if err != nil {
				return fmt.Errorf("failed to read message %d: %w", i, err)
			}
			var m Message
			err = msg.Use(func(mp native.Pointer) (err error) {
				m, err = readMessage(c.engine, mp)
				return err
			})
			msg.Release()
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func readMessage(engine Engine, p native.Pointer) (msg Message, err error) {
	if msg.ID, err = native.CallValue(ErrorDomain, func(code *int32) string {
		return engine.ChatMessageID(p, code)
	}); err != nil {
		return
	}
	if msg.Body, err = native.CallValue(ErrorDomain, func(code *int32) string {
		return engine.ChatMessageBody(p, code)
	}); err != nil {
		return
	}
	if msg.Timestamp, err = native.CallValue(ErrorDomain, func(code *int32) uint64 {
		return engine.ChatMessageTimestamp(p, code)
	}); err != nil {
		return
	}
	var direction int32
	if direction, err = native.CallValue(ErrorDomain, func(code *int32) int32 {
		return engine.ChatMessageDirection(p, code)
	}); err != nil {
		return
	}
	msg.Direction = Direction(direction)
	if msg.Metadata, err = readMetadata(engine, p); err != nil {
		return
	}

	addr, err := native.Construct(native.KindAddress, ErrorDomain, func(code *int32) native.Pointer {
		return engine.ChatMessageAddress(p, code)
	}, engine.DestroyTariAddress)
	if err != nil {
		return
	}
	sender := &Address{engine: engine, handle: addr}
	defer sender.Release()
	msg.Address, err = sender.Hex()
	return
}

func readMetadata(engine Engine, p native.Pointer) ([]Metadata, error) {
	count, err := native.CallValue(ErrorDomain, func(code *int32) uint32 {
		return engine.ChatMessageMetadataLen(p, code)
	})
	if err != nil || count == 0 {
		return nil, err
	}
	out := make([]Metadata, count)
	for i := range count {
		kind, err := native.CallValue(ErrorDomain, func(code *int32) int32 {
			return engine.ChatMessageMetadataKind(p, i, code)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata %d: %w", i, err)
		}
		out[i].Kind = MetadataKind(kind)
		if out[i].Data, err = native.CallValue(ErrorDomain, func(code *int32) string {
			return engine.ChatMessageMetadataData(p, i, code)
		}); err != nil {
			return nil, fmt.Errorf("failed to read metadata %d: %w", i, err)
		}
	}
	return out, nil
}
