// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package main is the entry point for the TileStream server.
//
// TileStream streams dynamically rendered map tiles to websocket
// clients. Clients bind to a game server context, subscribe to tile
// coordinates, and receive push notifications whenever a fresh render
// of a subscribed tile becomes available. Rendering itself is done by
// external builder workers that connect over a key-authenticated TCP
// channel.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layering (defaults, config.yaml, env vars)
//  2. Logging: zerolog, JSON by default
//  3. Store: embedded Badger for server metadata and the tile cache
//  4. Core services: subscription registry and render dispatcher
//  5. Builder listener: TCP listener for render workers
//  6. HTTP server: banner, /v1 websocket upgrade, /healthz, /metrics
//  7. Supervision: everything long-lived runs under a suture tree
//
// # Configuration
//
// Required environment variables:
//   - JWT_SECRET: client token signing secret (32+ characters)
//   - BUILDER_SECRET: shared secret for builder authentication (32+ characters)
//
// Common optional settings:
//   - HTTP_PORT: client port (default 43282)
//   - BUILDER_PORT: worker port (default 43283)
//   - STORE_PATH: Badger data directory (default /data/tilestream)
//   - LOG_LEVEL, LOG_FORMAT: log output tuning
//
// # Signal handling
//
// SIGINT and SIGTERM trigger a graceful shutdown: the HTTP server
// drains with a timeout, the builder listener closes, and the store is
// flushed before exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deltawebmap/tilestream/internal/api"
	"github.com/deltawebmap/tilestream/internal/auth"
	"github.com/deltawebmap/tilestream/internal/builderio"
	"github.com/deltawebmap/tilestream/internal/config"
	"github.com/deltawebmap/tilestream/internal/dispatch"
	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/registry"
	"github.com/deltawebmap/tilestream/internal/session"
	"github.com/deltawebmap/tilestream/internal/store"
	"github.com/deltawebmap/tilestream/internal/supervisor"
	"github.com/deltawebmap/tilestream/internal/wsconn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("http_port", cfg.Server.Port).
		Int("builder_port", cfg.Builder.Port).
		Str("store_path", cfg.Store.Path).
		Bool("store_in_memory", cfg.Store.InMemory).
		Msg("Configuration loaded")

	db, err := openStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	authSvc, err := auth.NewJWTService([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize authentication")
	}

	// The registry and dispatcher are shared by every session and every
	// worker; they are created once here and passed by reference.
	reg := registry.New()

	servers := store.NewBreakerServerStore(db)
	dispatcher := dispatch.New(reg, db, dispatch.Options{
		SubmitQueueSize: cfg.Session.DispatchQueueSize,
	})

	listener := builderio.NewListener(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Builder.Port),
		[]byte(cfg.Builder.Secret),
		dispatcher,
		builderio.ListenerOptions{HandshakeTimeout: cfg.Builder.HandshakeTimeout},
	)

	handler := api.NewHandler(authSvc, reg, dispatcher, servers, db, api.Options{
		BufferSize: cfg.WebSocket.BufferSize,
		Conn: wsconn.Options{
			KeepAlive:      cfg.WebSocket.KeepAlive,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		},
		Session: []session.Option{
			session.WithMetadataTTL(cfg.Session.MetadataTTL),
		},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: 0, // websocket connections outlive any write timeout
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	tree.AddTransportService(listener)
	tree.AddDispatchService(dispatcher)
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("Starting TileStream")
	errCh := tree.ServeBackground(ctx)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("TileStream stopped")
}

func openStore(cfg *config.Config) (*store.BadgerStore, error) {
	if cfg.Store.InMemory {
		return store.OpenInMemory()
	}
	return store.Open(cfg.Store.Path)
}
