// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package builderio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/deltawebmap/tilestream/internal/dispatch"
	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/tiles"
)

const defaultHandshakeTimeout = 10 * time.Second

// Pool is the dispatcher surface the listener needs: admit an
// authenticated builder, retire it on disconnect, and reconcile its
// completions.
type Pool interface {
	AddWorker(conn dispatch.WorkerConn) *dispatch.Worker
	RemoveWorker(w *dispatch.Worker)
	OnRenderComplete(w *dispatch.Worker, resp tiles.RenderResponse)
}

// ListenerOptions tunes the builder listener. Zero values select
// defaults.
type ListenerOptions struct {
	// HandshakeTimeout bounds the whole challenge/response exchange.
	HandshakeTimeout time.Duration
}

// Listener accepts builder connections on a TCP port, authenticates each
// with the shared-secret challenge, and hands verified workers to the
// dispatch pool. It runs as a supervised service.
type Listener struct {
	addr   string
	secret []byte
	pool   Pool
	opts   ListenerOptions

	mu sync.Mutex
	ln net.Listener
}

// NewListener creates a builder listener bound to addr once Serve runs.
func NewListener(addr string, secret []byte, pool Pool, opts ListenerOptions) *Listener {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Listener{
		addr:   addr,
		secret: secret,
		pool:   pool,
		opts:   opts,
	}
}

// Addr returns the bound listen address, or "" before Serve has bound
// the socket. Tests use it to discover the ephemeral port.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Serve accepts builder connections until ctx is canceled. Designed to
// run under suture supervision.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("builderio: listen on %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	logging.Info().Str("addr", ln.Addr().String()).Msg("builder listener started")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("builderio: accept: %w", err)
		}
		go l.handle(conn)
	}
}

// String names the listener for supervisor logs.
func (l *Listener) String() string {
	return "builder-listener"
}

// handle authenticates one builder connection and, on success, runs its
// read loop until disconnect.
func (l *Listener) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if err := conn.SetDeadline(time.Now().Add(l.opts.HandshakeTimeout)); err != nil {
		logging.Error().Err(err).Str("remote", remote).Msg("failed to set handshake deadline")
		_ = conn.Close()
		return
	}
	if err := Challenge(conn, l.secret); err != nil {
		logging.Warn().Err(err).Str("remote", remote).Msg("builder failed authentication")
		_ = conn.Close()
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		logging.Error().Err(err).Str("remote", remote).Msg("failed to clear handshake deadline")
		_ = conn.Close()
		return
	}

	wc := newWorkerConn(conn)
	worker := l.pool.AddWorker(wc)
	defer func() {
		l.pool.RemoveWorker(worker)
		wc.Close()
	}()

	logging.Info().Str("worker", wc.ID()).Str("remote", remote).Msg("builder authenticated")

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			logging.Debug().Err(err).Str("worker", wc.ID()).Msg("builder read ended")
			return
		}
		l.handleFrame(wc, worker, frame)
	}
}

func (l *Listener) handleFrame(wc *WorkerConn, worker *dispatch.Worker, frame Frame) {
	switch frame.Opcode {
	case OpcodeRenderResponse:
		blob, ok := frame.Fields[FieldResponse]
		if !ok {
			logging.Warn().Str("worker", wc.ID()).Msg("render response frame missing payload field")
			return
		}
		var resp tiles.RenderResponse
		if err := json.Unmarshal(blob, &resp); err != nil {
			logging.Warn().Err(err).Str("worker", wc.ID()).Msg("undecodable render response, frame dropped")
			return
		}
		l.pool.OnRenderComplete(worker, resp)
	default:
		logging.Debug().Int("opcode", frame.Opcode).Str("worker", wc.ID()).Msg("ignoring unknown builder opcode")
	}
}
