// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package store persists server metadata, tribe membership, and tile
// cache records. The default implementation is an embedded BadgerDB; the
// interfaces exist so deployments can point the session layer at a
// remote store instead.
package store

import (
	"context"
	"errors"

	"github.com/deltawebmap/tilestream/internal/tiles"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// ServerStore resolves server metadata and tribe membership.
type ServerStore interface {
	// GetServerByID returns metadata for a server, or ErrNotFound.
	GetServerByID(ctx context.Context, id string) (*tiles.ServerMetadata, error)

	// GetTribeID returns the tribe the external identity belongs to on
	// the given server, or ErrNotFound when they are not a member.
	GetTribeID(ctx context.Context, serverID, externalID string) (int, error)
}

// CacheStore reads and writes tile cache records.
type CacheStore interface {
	// Get returns the cache record for a tile identity, or ErrNotFound.
	Get(ctx context.Context, target tiles.TileIdentity) (*tiles.CacheRecord, error)

	// Upsert replaces any prior record for the record's target.
	Upsert(ctx context.Context, rec tiles.CacheRecord) error
}
