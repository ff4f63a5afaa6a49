// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package registry maintains the process-wide table of tile
// subscriptions: which sessions want to hear about which tiles.
//
// The table is a flat slice behind a single mutex. Subscription volume is
// driven by connected clients, not per-message traffic, so linear scans
// keep the structure trivial and lock-hold times short. Fan-out happens
// outside the lock so a slow client send can never stall the registry.
package registry

import (
	"sync"

	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/metrics"
	"github.com/deltawebmap/tilestream/internal/tiles"
)

// Notifier receives tile-ready pushes for a subscription it owns.
// Sessions implement this; the token echoes the one given at Subscribe.
type Notifier interface {
	PushTileLoad(target tiles.TileIdentity, token int, url string)
}

// subscription ties one tile identity to one owning session and its
// caller-assigned correlation token.
type subscription struct {
	target tiles.TileIdentity
	owner  Notifier
	token  int
}

// Registry is the process-wide subscription table. The zero value is not
// usable; construct with New.
type Registry struct {
	mu   sync.Mutex
	subs []subscription
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Subscribe registers the owner's interest in a tile. O(1).
func (r *Registry) Subscribe(owner Notifier, target tiles.TileIdentity, token int) {
	r.mu.Lock()
	r.subs = append(r.subs, subscription{target: target, owner: owner, token: token})
	n := len(r.subs)
	r.mu.Unlock()

	metrics.SubscriptionsActive.Set(float64(n))
	logging.Debug().Int("token", token).Int("total", n).Msg("tile subscription added")
}

// Unsubscribe removes every entry matching (owner, token); normally that
// is exactly one. Unknown tokens are a no-op.
func (r *Registry) Unsubscribe(owner Notifier, token int) {
	r.mu.Lock()
	kept := r.subs[:0]
	for _, s := range r.subs {
		if s.owner == owner && s.token == token {
			continue
		}
		kept = append(kept, s)
	}
	r.subs = kept
	n := len(r.subs)
	r.mu.Unlock()

	metrics.SubscriptionsActive.Set(float64(n))
}

// UnsubscribeAll removes every entry owned by the given notifier. Called
// when a session closes, so a dead session can never be notified.
func (r *Registry) UnsubscribeAll(owner Notifier) {
	r.mu.Lock()
	kept := r.subs[:0]
	for _, s := range r.subs {
		if s.owner == owner {
			continue
		}
		kept = append(kept, s)
	}
	r.subs = kept
	n := len(r.subs)
	r.mu.Unlock()

	metrics.SubscriptionsActive.Set(float64(n))
}

// NotifyTileReady pushes the tile URL to every subscriber of the target,
// each with its own token. The matching set is captured under the lock
// and notified outside it. Returns the number of subscribers notified.
func (r *Registry) NotifyTileReady(target tiles.TileIdentity, url string) int {
	r.mu.Lock()
	var matched []subscription
	for _, s := range r.subs {
		if s.target == target {
			matched = append(matched, s)
		}
	}
	r.mu.Unlock()

	for _, s := range matched {
		s.owner.PushTileLoad(s.target, s.token, url)
		metrics.TileLoadPushesTotal.Inc()
	}
	return len(matched)
}

// Len returns the current number of subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
