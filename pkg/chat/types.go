// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"time"
)

// ErrorDomain tags native errors raised by chat calls.
const ErrorDomain = "Chat"

type OnlineStatus int32

const (
	StatusUnknown   OnlineStatus = -1
	StatusOnline    OnlineStatus = 1
	StatusOffline   OnlineStatus = 2
	StatusNeverSeen OnlineStatus = 3
	StatusBanned    OnlineStatus = 4
)

func (s OnlineStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusNeverSeen:
		return "never-seen"
	case StatusBanned:
		return "banned"
	default:
		return "unknown"
	}
}

func parseOnlineStatus(raw int32) OnlineStatus {
	switch s := OnlineStatus(raw); s {
	case StatusOnline, StatusOffline, StatusNeverSeen, StatusBanned:
		return s
	default:
		return StatusUnknown
	}
}

type Direction int32

const (
	DirectionOutbound Direction = 0
	DirectionInbound  Direction = 1
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// MetadataKind mirrors the engine's message metadata types.
type MetadataKind int32

const (
	MetadataReply        MetadataKind = 0
	MetadataTokenRequest MetadataKind = 1
	MetadataGif          MetadataKind = 2
	MetadataLink         MetadataKind = 3
)

type Metadata struct {
	Kind MetadataKind `json:"kind"`
	Data string       `json:"data"`
}

// Message is a chat message copied out of the engine. It holds no native
// resources.
type Message struct {
	ID        string
	Address   string
	Body      string
	Timestamp uint64
	Direction Direction
	Metadata  []Metadata
	// StoredAt is when the projection cached this copy of the message.
	StoredAt time.Time
}

func (m Message) Time() time.Time {
	return time.Unix(int64(m.Timestamp), 0)
}

func (m Message) IsIncoming() bool {
	return m.Direction == DirectionInbound
}
