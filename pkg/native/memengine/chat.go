// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package memengine

import (
	"fmt"

	"github.com/lrhodin/walletbridge/pkg/chat"
	"github.com/lrhodin/walletbridge/pkg/native"
)

func (e *Engine) CreateTransportConfig(socksAddress, username, password string, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("create_transport_config", code); !ok {
		return 0
	}
	return e.allocLocked(native.KindTransportConfig, transportConfig{
		socksAddress: socksAddress,
		username:     username,
		password:     password,
	})
}

func (e *Engine) DestroyTransportConfig(p native.Pointer) {
	e.destroy(native.KindTransportConfig, p)
}

func (e *Engine) CreateChatConfig(network, publicAddress, datastorePath, identityFilePath string, transport native.Pointer, logPath string, logVerbosity int32, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("create_chat_config", code); !ok {
		return 0
	}
	tc, ok := getLocked[transportConfig](e, native.KindTransportConfig, transport, code)
	if !ok {
		return 0
	}
	if network == "" || datastorePath == "" {
		*code = CodeInvalidArgument
		return 0
	}
	return e.allocLocked(native.KindConfig, chatConfig{
		network:       network,
		publicAddress: publicAddress,
		datastorePath: datastorePath,
		transport:     tc,
	})
}

func (e *Engine) DestroyChatConfig(p native.Pointer) {
	e.destroy(native.KindConfig, p)
}

func (e *Engine) CreateChatClient(cfg native.Pointer, code *int32, onContactStatus func(chat.LivenessData), onMessage func(native.Pointer)) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("create_chat_client", code); !ok {
		return 0
	}
	c, ok := getLocked[chatConfig](e, native.KindConfig, cfg, code)
	if !ok {
		return 0
	}
	return e.allocLocked(native.KindChatClient, &chatClient{
		cfg:       c,
		onStatus:  onContactStatus,
		onMessage: onMessage,
		contacts:  make(map[string]struct{}),
	})
}

func (e *Engine) DestroyChatClient(p native.Pointer) {
	e.destroy(native.KindChatClient, p)
}

func (e *Engine) CreateChatMessage(receiver native.Pointer, body string, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("create_chat_message", code); !ok {
		return 0
	}
	peer, ok := getLocked[string](e, native.KindAddress, receiver, code)
	if !ok {
		return 0
	}
	return e.allocLocked(native.KindMessage, &messageData{
		peer:      peer,
		body:      body,
		direction: chat.DirectionOutbound,
	})
}

func (e *Engine) AddChatMessageMetadata(msg native.Pointer, kind int32, data string, code *int32) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("add_chat_message_metadata", code); !ok {
		return
	}
	m, ok := getLocked[*messageData](e, native.KindMessage, msg, code)
	if !ok {
		return
	}
	if kind < int32(chat.MetadataReply) || kind > int32(chat.MetadataLink) {
		*code = CodeInvalidArgument
		return
	}
	m.metadata = append(m.metadata, chat.Metadata{Kind: chat.MetadataKind(kind), Data: data})
}

func (e *Engine) DestroyChatMessage(p native.Pointer) {
	e.destroy(native.KindMessage, p)
}

func (e *Engine) nextIDLocked() string {
	e.seq++
	return fmt.Sprintf("msg-%06d", e.seq)
}

func (e *Engine) SendChatMessage(client, msg native.Pointer, code *int32) {
	e.lock.Lock()
	if ok, _ := e.enter("send_chat_message", code); !ok {
		e.lock.Unlock()
		return
	}
	c, ok := getLocked[*chatClient](e, native.KindChatClient, client, code)
	if !ok {
		e.lock.Unlock()
		return
	}
	m, ok := getLocked[*messageData](e, native.KindMessage, msg, code)
	if !ok {
		e.lock.Unlock()
		return
	}
	stored := *m
	stored.id = e.nextIDLocked()
	stored.timestamp = uint64(e.clock.Now().Unix())
	stored.metadata = append([]chat.Metadata(nil), m.metadata...)
	e.conversations[stored.peer] = append(e.conversations[stored.peer], &stored)
	e.lock.Unlock()

	if e.echo {
		e.deliverTo(c, stored.peer, "echo: "+stored.body)
	}
}

// Deliver simulates an inbound message from peer to every live chat client.
func (e *Engine) Deliver(peer, body string) error {
	addr, ok := parseAddress(peer)
	if !ok {
		return fmt.Errorf("invalid address %q", peer)
	}
	e.lock.Lock()
	var clients []*chatClient
	for _, obj := range e.objects {
		if c, ok := obj.value.(*chatClient); ok && obj.kind == native.KindChatClient {
			clients = append(clients, c)
		}
	}
	e.lock.Unlock()
	if len(clients) == 0 {
		e.store(addr, body, chat.DirectionInbound)
		return nil
	}
	for _, c := range clients {
		e.deliverTo(c, addr, body)
	}
	return nil
}

func (e *Engine) store(peer, body string, direction chat.Direction) *messageData {
	e.lock.Lock()
	defer e.lock.Unlock()
	m := &messageData{
		id:        e.nextIDLocked(),
		peer:      peer,
		body:      body,
		timestamp: uint64(e.clock.Now().Unix()),
		direction: direction,
	}
	e.conversations[peer] = append(e.conversations[peer], m)
	return m
}

// deliverTo stores an inbound message and hands it to the client's receive
// callback on a separate goroutine. The engine keeps ownership of the
// message object and destroys it after the callback returns.
func (e *Engine) deliverTo(c *chatClient, peer, body string) {
	m := e.store(peer, body, chat.DirectionInbound)
	if c.onMessage == nil {
		return
	}
	e.lock.Lock()
	copied := *m
	p := e.allocLocked(native.KindMessage, &copied)
	e.lock.Unlock()

	e.callbacks.Add(1)
	go func() {
		defer e.callbacks.Done()
		defer e.destroy(native.KindMessage, p)
		c.onMessage(p)
	}()
}

func (e *Engine) AddChatContact(client, addr native.Pointer, code *int32) {
	e.lock.Lock()
	if ok, _ := e.enter("add_chat_contact", code); !ok {
		e.lock.Unlock()
		return
	}
	c, ok := getLocked[*chatClient](e, native.KindChatClient, client, code)
	if !ok {
		e.lock.Unlock()
		return
	}
	peer, ok := getLocked[string](e, native.KindAddress, addr, code)
	if !ok {
		e.lock.Unlock()
		return
	}
	c.contacts[peer] = struct{}{}
	lastSeen := e.clock.Now().Unix()
	e.lock.Unlock()

	if c.onStatus != nil {
		e.callbacks.Add(1)
		go func() {
			defer e.callbacks.Done()
			c.onStatus(chat.LivenessData{Address: peer, Status: chat.StatusOnline, LastSeen: lastSeen})
		}()
	}
}

func (e *Engine) CheckOnlineStatus(client, addr native.Pointer, code *int32) int32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("check_online_status", code); !ok {
		return int32(chat.StatusUnknown)
	}
	c, ok := getLocked[*chatClient](e, native.KindChatClient, client, code)
	if !ok {
		return int32(chat.StatusUnknown)
	}
	peer, ok := getLocked[string](e, native.KindAddress, addr, code)
	if !ok {
		return int32(chat.StatusUnknown)
	}
	if _, known := c.contacts[peer]; known {
		return int32(chat.StatusOnline)
	}
	return int32(chat.StatusNeverSeen)
}

type messageList []*messageData

func (e *Engine) GetChatMessages(client, addr native.Pointer, limit, page int32, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("get_chat_messages", code); !ok {
		return 0
	}
	if _, ok := getLocked[*chatClient](e, native.KindChatClient, client, code); !ok {
		return 0
	}
	peer, ok := getLocked[string](e, native.KindAddress, addr, code)
	if !ok {
		return 0
	}
	if limit <= 0 || page < 0 {
		*code = CodeInvalidArgument
		return 0
	}
	all := e.conversations[peer]
	start := int(page) * int(limit)
	var out messageList
	if start < len(all) {
		end := min(start+int(limit), len(all))
		for _, m := range all[start:end] {
			copied := *m
			out = append(out, &copied)
		}
	}
	return e.allocLocked(native.KindMessageList, out)
}

func (e *Engine) ChatMessagesLen(list native.Pointer, code *int32) uint32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("chat_messages_len", code); !ok {
		return 0
	}
	l, _ := getLocked[messageList](e, native.KindMessageList, list, code)
	return uint32(len(l))
}

func (e *Engine) ChatMessagesAt(list native.Pointer, position uint32, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ok, _ := e.enter("chat_messages_at", code); !ok {
		return 0
	}
	l, ok := getLocked[messageList](e, native.KindMessageList, list, code)
	if !ok {
		return 0
	}
	if int(position) >= len(l) {
		*code = CodeOutOfBounds
		return 0
	}
	copied := *l[position]
	return e.allocLocked(native.KindMessage, &copied)
}

func (e *Engine) DestroyChatMessages(p native.Pointer) {
	e.destroy(native.KindMessageList, p)
}

func (e *Engine) message(op string, p native.Pointer, code *int32) (*messageData, bool) {
	if ok, _ := e.enter(op, code); !ok {
		return nil, false
	}
	return getLocked[*messageData](e, native.KindMessage, p, code)
}

func (e *Engine) ChatMessageID(p native.Pointer, code *int32) string {
	e.lock.Lock()
	defer e.lock.Unlock()
	if m, ok := e.message("chat_message_id", p, code); ok {
		return m.id
	}
	return ""
}

func (e *Engine) ChatMessageBody(p native.Pointer, code *int32) string {
	e.lock.Lock()
	defer e.lock.Unlock()
	if m, ok := e.message("chat_message_body", p, code); ok {
		return m.body
	}
	return ""
}

func (e *Engine) ChatMessageAddress(p native.Pointer, code *int32) native.Pointer {
	e.lock.Lock()
	defer e.lock.Unlock()
	if m, ok := e.message("chat_message_address", p, code); ok {
		return e.allocLocked(native.KindAddress, m.peer)
	}
	return 0
}

func (e *Engine) ChatMessageTimestamp(p native.Pointer, code *int32) uint64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	if m, ok := e.message("chat_message_timestamp", p, code); ok {
		return m.timestamp
	}
	return 0
}

func (e *Engine) ChatMessageDirection(p native.Pointer, code *int32) int32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	if m, ok := e.message("chat_message_direction", p, code); ok {
		return int32(m.direction)
	}
	return 0
}

func (e *Engine) metadataAt(op string, p native.Pointer, position uint32, code *int32) (chat.Metadata, bool) {
	m, ok := e.message(op, p, code)
	if !ok {
		return chat.Metadata{}, false
	}
	if int(position) >= len(m.metadata) {
		*code = CodeOutOfBounds
		return chat.Metadata{}, false
	}
	return m.metadata[position], true
}

func (e *Engine) ChatMessageMetadataLen(p native.Pointer, code *int32) uint32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	if m, ok := e.message("chat_message_metadata_len", p, code); ok {
		return uint32(len(m.metadata))
	}
	return 0
}

func (e *Engine) ChatMessageMetadataKind(p native.Pointer, position uint32, code *int32) int32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	if md, ok := e.metadataAt("chat_message_metadata_kind", p, position, code); ok {
		return int32(md.Kind)
	}
	return -1
}

func (e *Engine) ChatMessageMetadataData(p native.Pointer, position uint32, code *int32) string {
	e.lock.Lock()
	defer e.lock.Unlock()
	if md, ok := e.metadataAt("chat_message_metadata_data", p, position, code); ok {
		return md.Data
	}
	return ""
}
