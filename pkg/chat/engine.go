// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"github.com/lrhodin/walletbridge/pkg/native"
)

// Engine is the chat half of the native engine boundary. Every constructing
// or mutating call reports failure through the code slot; every constructor
// has a matching destroy call.
type Engine interface {
	CreateTransportConfig(socksAddress, username, password string, code *int32) native.Pointer
	DestroyTransportConfig(transport native.Pointer)

	CreateChatConfig(network, publicAddress, datastorePath, identityFilePath string, transport native.Pointer, logPath string, logVerbosity int32, code *int32) native.Pointer
	DestroyChatConfig(cfg native.Pointer)

	CreateChatClient(cfg native.Pointer, code *int32, onContactStatus func(LivenessData), onMessage func(native.Pointer)) native.Pointer
	DestroyChatClient(client native.Pointer)

	CreateTariAddress(hex string, code *int32) native.Pointer
	TariAddressHex(addr native.Pointer, code *int32) string
	DestroyTariAddress(addr native.Pointer)

	CreateChatMessage(receiver native.Pointer, body string, code *int32) native.Pointer
	AddChatMessageMetadata(msg native.Pointer, kind int32, data string, code *int32)
	DestroyChatMessage(msg native.Pointer)

	SendChatMessage(client, msg native.Pointer, code *int32)
	AddChatContact(client, addr native.Pointer, code *int32)
	CheckOnlineStatus(client, addr native.Pointer, code *int32) int32

	GetChatMessages(client, addr native.Pointer, limit, page int32, code *int32) native.Pointer
	ChatMessagesLen(list native.Pointer, code *int32) uint32
	ChatMessagesAt(list native.Pointer, position uint32, code *int32) native.Pointer
	DestroyChatMessages(list native.Pointer)

	ChatMessageID(msg native.Pointer, code *int32) string
	ChatMessageBody(msg native.Pointer, code *int32) string
	ChatMessageAddress(msg native.Pointer, code *int32) native.Pointer
	ChatMessageTimestamp(msg native.Pointer, code *int32) uint64
	ChatMessageDirection(msg native.Pointer, code *int32) int32
	ChatMessageMetadataLen(msg native.Pointer, code *int32) uint32
	ChatMessageMetadataKind(msg native.Pointer, position uint32, code *int32) int32
	ChatMessageMetadataData(msg native.Pointer, position uint32, code *int32) string
}

// LivenessData is delivered by the engine when a contact's online status
// changes.
type LivenessData struct {
	Address  string
	Status   OnlineStatus
	LastSeen int64
}
