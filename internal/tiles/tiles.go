// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package tiles defines the shared data model for the tile streaming
// service: tile identity, render requests and responses, cache records,
// and server metadata.
package tiles

import (
	"fmt"
	"time"
)

// TileType identifies the kind of overlay rendered for a tile.
type TileType int

const (
	// TileTypeStructures is the player-structure overlay.
	TileTypeStructures TileType = 0
)

// TileIdentity is the composite key identifying a unique renderable tile.
// It is immutable once constructed; equality is structural, so it can be
// used directly as a map key or compared with ==.
type TileIdentity struct {
	ServerID string   `json:"server_id"`
	TribeID  int      `json:"tribe_id"`
	MapName  string   `json:"map_name"`
	Type     TileType `json:"map_id"`
	X        int      `json:"x"`
	Y        int      `json:"y"`
	Z        int      `json:"z"`
	Layer    int      `json:"layer"`
}

// Key returns a stable string form of the identity, suitable for use as a
// storage key.
func (t TileIdentity) Key() string {
	return fmt.Sprintf("%s:%d:%s:%d:%d:%d:%d:%d", t.ServerID, t.TribeID, t.MapName, t.Type, t.X, t.Y, t.Z, t.Layer)
}

// RenderRequest is one unit of work dispatched to a builder worker.
type RenderRequest struct {
	Target TileIdentity `json:"target"`

	// HighPriority is carried for the builder's benefit; the dispatcher
	// does not reorder queues on it.
	HighPriority bool `json:"high_priority"`

	// StructureRevision is the revision the requester expects the render
	// to reflect.
	StructureRevision int64 `json:"structure_revision_id"`
}

// RenderResponse is a builder's completion report for one request.
type RenderResponse struct {
	Target    TileIdentity `json:"target"`
	Revision  int64        `json:"revision_id"`
	URL       string       `json:"url"`
	TileCount int          `json:"tiles"`
}

// CacheRecord is the latest known rendered artifact for a tile identity.
// It is upserted on every completed render, keyed by the target identity.
type CacheRecord struct {
	Target    TileIdentity `json:"target"`
	Revision  int64        `json:"revision_id"`
	URL       string       `json:"url"`
	TileCount int          `json:"tiles"`
	CreatedAt time.Time    `json:"create_time"`
}

// Current reports whether the record already reflects the given structure
// revision, meaning no re-render is needed.
func (c CacheRecord) Current(revision int64) bool {
	return c.Revision == revision
}

// ServerMetadata is the subset of server state the session layer needs:
// the active map and the structure revision used for cache-coherency
// checks.
type ServerMetadata struct {
	ID                string `json:"id"`
	LatestMap         string `json:"latest_server_map"`
	StructureRevision int64  `json:"revision_id_structures"`
}
