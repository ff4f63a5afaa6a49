// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package session implements the per-client protocol handler. A session
// is created after the access token validates, decodes inbound frames
// from its connection, and drives the subscription registry and render
// dispatcher.
//
// The session is a two-phase state machine. Until a SetServer binds it to
// a server context only SetServer is meaningful; once bound, tile
// subscriptions become available and SetServer may rebind.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deltawebmap/tilestream/internal/auth"
	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/metrics"
	"github.com/deltawebmap/tilestream/internal/protocol"
	"github.com/deltawebmap/tilestream/internal/registry"
	"github.com/deltawebmap/tilestream/internal/store"
	"github.com/deltawebmap/tilestream/internal/tiles"
)

// DefaultMetadataTTL is how long cached server metadata is trusted before
// it must be refreshed from the store.
const DefaultMetadataTTL = 5 * time.Minute

// Sender delivers outbound frames to the client. The wsconn connection
// satisfies this; Send must never block.
type Sender interface {
	Send(data []byte)
}

// RenderSubmitter hands render requests to the dispatch engine without
// blocking the caller.
type RenderSubmitter interface {
	Submit(req tiles.RenderRequest)
}

// CacheReader looks up existing tile cache records.
type CacheReader interface {
	Get(ctx context.Context, target tiles.TileIdentity) (*tiles.CacheRecord, error)
}

// Session is one connected client. Inbound frames arrive on a single
// goroutine (the connection's read loop); the mutex exists for the bound
// context shared with push notifications from the registry fan-out.
type Session struct {
	identity auth.Identity
	registry *registry.Registry
	dispatch RenderSubmitter
	servers  store.ServerStore
	cache    CacheReader
	ttl      time.Duration
	now      func() time.Time

	sender Sender

	mu          sync.Mutex
	bound       bool
	serverID    string
	tribeID     int
	mapName     string
	serverData  *tiles.ServerMetadata
	lastRefresh time.Time
}

// Option customizes session construction.
type Option func(*Session)

// WithMetadataTTL overrides the metadata staleness window.
func WithMetadataTTL(ttl time.Duration) Option {
	return func(s *Session) { s.ttl = ttl }
}

// WithClock overrides the time source, for staleness tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session for an authenticated identity. Attach the
// connection with Attach before running its read loop.
func New(identity auth.Identity, reg *registry.Registry, dispatch RenderSubmitter, servers store.ServerStore, cache CacheReader, opts ...Option) *Session {
	s := &Session{
		identity: identity,
		registry: reg,
		dispatch: dispatch,
		servers:  servers,
		cache:    cache,
		ttl:      DefaultMetadataTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach wires the outbound side of the connection.
func (s *Session) Attach(sender Sender) {
	s.sender = sender
}

// Identity returns the session's validated identity.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// OnMessageReceived decodes one inbound frame and dispatches it. Unknown
// opcodes are ignored; malformed frames are logged and dropped without
// affecting the connection.
func (s *Session) OnMessageReceived(data []byte) {
	opcode, err := protocol.DecodeOpcode(data)
	if err != nil {
		metrics.FramesDroppedTotal.Inc()
		logging.Debug().Err(err).Str("user", s.identity.UserID).Msg("undecodable frame dropped")
		return
	}

	switch opcode {
	case protocol.OpcodeSetServer:
		var p protocol.SetServerPayload
		if err := protocol.DecodePayload(data, &p); err != nil {
			s.dropFrame(err)
			return
		}
		s.handleSetServer(p)
	case protocol.OpcodeAddTileSubscription:
		var p protocol.AddTileSubscriptionPayload
		if err := protocol.DecodePayload(data, &p); err != nil {
			s.dropFrame(err)
			return
		}
		s.handleAddTileSubscription(p)
	case protocol.OpcodeRemoveTileSubscription:
		var p protocol.RemoveTileSubscriptionPayload
		if err := protocol.DecodePayload(data, &p); err != nil {
			s.dropFrame(err)
			return
		}
		s.handleRemoveTileSubscription(p)
	default:
		// Unknown or outbound-only opcodes are ignored.
	}
}

func (s *Session) dropFrame(err error) {
	metrics.FramesDroppedTotal.Inc()
	logging.Debug().Err(err).Str("user", s.identity.UserID).Msg("malformed payload dropped")
}

// handleSetServer binds (or rebinds) the session's server context. An
// unknown server or a caller without tribe membership is dropped with no
// response: failing silently avoids leaking which servers exist.
func (s *Session) handleSetServer(p protocol.SetServerPayload) {
	ctx := context.Background()

	meta, err := s.servers.GetServerByID(ctx, p.ServerID)
	if err != nil {
		logging.Debug().Err(err).Str("server", p.ServerID).Msg("SetServer for unresolvable server ignored")
		return
	}

	tribe, err := s.servers.GetTribeID(ctx, meta.ID, s.identity.ExternalID)
	if err != nil {
		logging.Debug().Err(err).Str("server", p.ServerID).Str("user", s.identity.UserID).Msg("SetServer without tribe membership ignored")
		return
	}

	s.mu.Lock()
	s.bound = true
	s.serverID = meta.ID
	s.tribeID = tribe
	s.mapName = meta.LatestMap
	s.serverData = meta
	s.lastRefresh = s.now()
	s.mu.Unlock()

	s.send(protocol.OpcodeReady, protocol.ReadyPayload{OK: true, ServerID: meta.ID, TribeID: tribe})
	logging.Info().Str("user", s.identity.UserID).Str("server", meta.ID).Int("tribe", tribe).Msg("session bound to server")
}

// handleAddTileSubscription registers interest in a tile, answers from
// the cache when possible, and submits a render when the cached artifact
// is missing or stale. Submission is fire-and-forget so the read loop is
// never stalled on dispatch.
func (s *Session) handleAddTileSubscription(p protocol.AddTileSubscriptionPayload) {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		logging.Debug().Str("user", s.identity.UserID).Msg("tile subscription before SetServer ignored")
		return
	}
	target := tiles.TileIdentity{
		ServerID: s.serverID,
		TribeID:  s.tribeID,
		MapName:  s.mapName,
		Type:     p.Type,
		X:        p.X,
		Y:        p.Y,
		Z:        p.Z,
	}
	s.mu.Unlock()

	s.registry.Subscribe(s, target, p.Token)

	ctx := context.Background()
	cached, err := s.cache.Get(ctx, target)
	switch {
	case err == nil:
		metrics.TileCacheHits.Inc()
		s.PushTileLoad(target, p.Token, cached.URL)
	case errors.Is(err, store.ErrNotFound):
		metrics.TileCacheMisses.Inc()
	default:
		logging.Warn().Err(err).Str("target", target.Key()).Msg("tile cache lookup failed")
	}

	meta, metaErr := s.serverMetadata(ctx)
	if metaErr != nil {
		logging.Warn().Err(metaErr).Str("server", s.serverID).Msg("server metadata refresh failed, skipping render dispatch")
		return
	}

	if cached != nil && cached.Current(meta.StructureRevision) {
		return
	}

	s.dispatch.Submit(tiles.RenderRequest{
		Target:            target,
		HighPriority:      false,
		StructureRevision: meta.StructureRevision,
	})
}

// handleRemoveTileSubscription drops the matching subscription. Unknown
// tokens are a no-op; no response is sent either way.
func (s *Session) handleRemoveTileSubscription(p protocol.RemoveTileSubscriptionPayload) {
	s.registry.Unsubscribe(s, p.Token)
}

// PushTileLoad implements registry.Notifier: it tells the client a tile
// is ready, echoing the token from the originating subscribe.
func (s *Session) PushTileLoad(target tiles.TileIdentity, token int, url string) {
	s.send(protocol.OpcodeTileLoad, protocol.TileLoadPayload{Token: token, Type: target.Type, URL: url})
}

// send encodes and enqueues one outbound frame.
func (s *Session) send(opcode protocol.Opcode, payload any) {
	if s.sender == nil {
		return
	}
	frame, err := protocol.Encode(opcode, payload)
	if err != nil {
		logging.Error().Err(err).Int("opcode", int(opcode)).Msg("failed to encode outbound frame")
		return
	}
	s.sender.Send(frame)
}

// serverMetadata returns the bound server's metadata, refreshing it from
// the store when the cached copy is older than the TTL. Staleness is a
// soft property; a refresh race would be last-write-wins, but frames for
// one session arrive on one goroutine so none occurs in practice.
func (s *Session) serverMetadata(ctx context.Context) (*tiles.ServerMetadata, error) {
	s.mu.Lock()
	serverID := s.serverID
	data := s.serverData
	fresh := data != nil && s.now().Before(s.lastRefresh.Add(s.ttl))
	s.mu.Unlock()

	if fresh {
		return data, nil
	}

	meta, err := s.servers.GetServerByID(ctx, serverID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.serverData = meta
	s.mapName = meta.LatestMap
	s.lastRefresh = s.now()
	s.mu.Unlock()
	return meta, nil
}

// Close cascades removal of everything this session subscribed to. The
// connection owner calls this once the read loop exits.
func (s *Session) Close() {
	s.registry.UnsubscribeAll(s)
	logging.Debug().Str("user", s.identity.UserID).Msg("session closed, subscriptions removed")
}
