// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package api provides the client-facing HTTP surface: the service
// banner, the /v1 websocket upgrade, and the health and metrics
// endpoints. Routing uses Chi.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deltawebmap/tilestream/internal/auth"
	"github.com/deltawebmap/tilestream/internal/dispatch"
	"github.com/deltawebmap/tilestream/internal/registry"
	"github.com/deltawebmap/tilestream/internal/session"
	"github.com/deltawebmap/tilestream/internal/store"
	"github.com/deltawebmap/tilestream/internal/wsconn"
)

// Handler serves client HTTP requests and upgrades authenticated
// clients to tile streaming sessions.
type Handler struct {
	auth       auth.Service
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	servers    store.ServerStore
	cache      store.CacheStore

	upgrader    websocket.Upgrader
	connOpts    wsconn.Options
	sessionOpts []session.Option
}

// Options carries the tunables the handler forwards to each accepted
// connection and session.
type Options struct {
	// BufferSize sets the upgrade read and write buffers.
	BufferSize int

	// Conn is forwarded to every accepted client connection.
	Conn wsconn.Options

	// Session is forwarded to every created session.
	Session []session.Option
}

// NewHandler wires the shared services into an HTTP handler. The
// registry and dispatcher are process-wide singletons created at
// startup; every session this handler spawns shares them.
func NewHandler(authSvc auth.Service, reg *registry.Registry, d *dispatch.Dispatcher, servers store.ServerStore, cache store.CacheStore, opts Options) *Handler {
	return &Handler{
		auth:       authSvc,
		registry:   reg,
		dispatcher: d,
		servers:    servers,
		cache:      cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.BufferSize,
			WriteBufferSize: opts.BufferSize,
		},
		connOpts:    opts.Conn,
		sessionOpts: opts.Session,
	}
}

// Routes builds the Chi router for the service.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", h.Root)
	r.Get("/v1", h.StreamV1)
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	return r
}
