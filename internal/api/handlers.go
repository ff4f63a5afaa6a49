// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/metrics"
	"github.com/deltawebmap/tilestream/internal/session"
	"github.com/deltawebmap/tilestream/internal/wsconn"
)

const rootBanner = "DeltaWebMap Dynamic Tiles Streamable\n\n(C) DeltaWebMap 2026"

// Root serves the plain-text service banner.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(rootBanner))
}

// Health reports liveness for orchestration probes.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"workers": h.dispatcher.WorkerCount(),
	})
}

// StreamV1 authenticates the access_token query parameter and upgrades
// the request to a tile streaming session. Authentication failure is a
// rejected upgrade, never a protocol frame.
func (h *Handler) StreamV1(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	identity, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		logging.Debug().Err(err).Msg("websocket upgrade rejected, bad access token")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(identity, h.registry, h.dispatcher, h.servers, h.cache, h.sessionOpts...)
	conn := wsconn.New(ws, sess, h.connOpts)
	sess.Attach(conn)

	metrics.SessionsConnected.Inc()
	logging.Info().Str("user", identity.UserID).Msg("client session started")

	defer func() {
		sess.Close()
		metrics.SessionsConnected.Dec()
		logging.Info().Str("user", identity.UserID).Msg("client session ended")
	}()

	_ = conn.Run(r.Context())
}
