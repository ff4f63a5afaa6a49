// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package protocol defines the JSON frames exchanged with tile clients.
//
// Every frame is an envelope carrying an integer opcode and an
// opcode-specific payload. Inbound frames are decoded twice: once
// generically to read the opcode, then again with the concrete payload
// type.
package protocol

import (
	"github.com/goccy/go-json"

	"github.com/deltawebmap/tilestream/internal/tiles"
)

// Opcode identifies the meaning of a client protocol frame.
type Opcode int

const (
	// OpcodeSetServer binds the session to a server context. Inbound.
	OpcodeSetServer Opcode = 0
	// OpcodeReady acknowledges a successful bind. Outbound.
	OpcodeReady Opcode = 1
	// OpcodeAddTileSubscription subscribes to a tile. Inbound.
	OpcodeAddTileSubscription Opcode = 2
	// OpcodeRemoveTileSubscription unsubscribes by token. Inbound.
	OpcodeRemoveTileSubscription Opcode = 3
	// OpcodeTileLoad pushes a ready tile to the client. Outbound.
	OpcodeTileLoad Opcode = 4
)

// Envelope is the generic frame shape, used to extract the opcode before
// the payload is re-decoded with its concrete type.
type Envelope struct {
	Opcode  Opcode          `json:"opcode"`
	Payload json.RawMessage `json:"payload"`
}

// SetServerPayload asks the session to bind to a server.
type SetServerPayload struct {
	ServerID string `json:"server_id"`
}

// ReadyPayload acknowledges a successful SetServer.
type ReadyPayload struct {
	OK       bool   `json:"ok"`
	ServerID string `json:"server_id"`
	TribeID  int    `json:"tribe_id"`
}

// AddTileSubscriptionPayload subscribes the session to one tile. The token
// i is caller-assigned and echoed back on every TileLoad push so the
// client can correlate them.
type AddTileSubscriptionPayload struct {
	X     int            `json:"x"`
	Y     int            `json:"y"`
	Z     int            `json:"z"`
	Type  tiles.TileType `json:"t"`
	Token int            `json:"i"`
}

// RemoveTileSubscriptionPayload unsubscribes by token.
type RemoveTileSubscriptionPayload struct {
	Token int `json:"i"`
}

// TileLoadPayload pushes a rendered tile URL to a subscriber.
type TileLoadPayload struct {
	Token int            `json:"i"`
	Type  tiles.TileType `json:"t"`
	URL   string         `json:"url"`
}

// DecodeOpcode extracts the opcode from a raw frame.
func DecodeOpcode(data []byte) (Opcode, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return 0, err
	}
	return env.Opcode, nil
}

// DecodePayload re-decodes a raw frame and unmarshals its payload into v.
func DecodePayload(data []byte, v any) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, v)
}

// Encode wraps a payload in an envelope and marshals the whole frame.
func Encode(opcode Opcode, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Opcode: opcode, Payload: raw})
}
