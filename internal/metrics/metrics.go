// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package metrics provides Prometheus instrumentation for the tile
// streaming core: session and worker population, subscription volume,
// render dispatch throughput, and tile cache efficiency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsConnected tracks the number of open client sessions.
	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_sessions_connected",
			Help: "Current number of connected client sessions",
		},
	)

	// SubscriptionsActive tracks the size of the subscription registry.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_subscriptions_active",
			Help: "Current number of registered tile subscriptions",
		},
	)

	// WorkersConnected tracks the size of the builder worker pool.
	WorkersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_workers_connected",
			Help: "Current number of authenticated builder workers",
		},
	)

	// RenderRequestsTotal counts render requests routed to workers.
	RenderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_render_requests_total",
			Help: "Total number of render requests dispatched to workers",
		},
		[]string{"outcome"}, // "sent", "queued", "no_worker"
	)

	// RenderCompletionsTotal counts render responses received from workers.
	RenderCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_render_completions_total",
			Help: "Total number of completed renders reported by workers",
		},
	)

	// RenderDuration observes the span from dispatch to completion per worker.
	RenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tilestream_render_duration_seconds",
			Help:    "Time between dispatching a render request and receiving its response",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// DispatchDroppedTotal counts render submissions dropped because the
	// hand-off queue was full.
	DispatchDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_dispatch_dropped_total",
			Help: "Total number of render submissions dropped at the dispatch hand-off queue",
		},
	)

	// TileCacheHits counts subscriptions satisfied from the tile cache.
	TileCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_tile_cache_hits_total",
			Help: "Total number of tile subscriptions answered from the cache",
		},
	)

	// TileCacheMisses counts subscriptions with no usable cache record.
	TileCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_tile_cache_misses_total",
			Help: "Total number of tile subscriptions with no current cache record",
		},
	)

	// TileLoadPushesTotal counts TileLoad frames fanned out to subscribers.
	TileLoadPushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_tile_load_pushes_total",
			Help: "Total number of tile-loaded notifications pushed to subscribers",
		},
	)

	// FramesDroppedTotal counts inbound frames dropped as undecodable.
	FramesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_frames_dropped_total",
			Help: "Total number of inbound client frames dropped as malformed or unknown",
		},
	)
)
