// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/tiles"
)

// BreakerServerStore wraps a ServerStore with circuit breakers so that a
// failing backing store (typically a remote one) cannot pile up blocked
// session lookups. ErrNotFound is a valid answer, not a failure, and does
// not count against the breaker.
type BreakerServerStore struct {
	inner   ServerStore
	servers *gobreaker.CircuitBreaker[*tiles.ServerMetadata]
	tribes  *gobreaker.CircuitBreaker[int]
}

// NewBreakerServerStore wraps the given store. The breaker opens after
// five consecutive failures and probes again after 30 seconds.
func NewBreakerServerStore(inner ServerStore) *BreakerServerStore {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("server store circuit breaker state change")
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
		}
	}

	return &BreakerServerStore{
		inner:   inner,
		servers: gobreaker.NewCircuitBreaker[*tiles.ServerMetadata](settings("server-store.servers")),
		tribes:  gobreaker.NewCircuitBreaker[int](settings("server-store.tribes")),
	}
}

// GetServerByID implements ServerStore.
func (s *BreakerServerStore) GetServerByID(ctx context.Context, id string) (*tiles.ServerMetadata, error) {
	return s.servers.Execute(func() (*tiles.ServerMetadata, error) {
		return s.inner.GetServerByID(ctx, id)
	})
}

// GetTribeID implements ServerStore.
func (s *BreakerServerStore) GetTribeID(ctx context.Context, serverID, externalID string) (int, error) {
	return s.tribes.Execute(func() (int, error) {
		return s.inner.GetTribeID(ctx, serverID, externalID)
	})
}
