// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package builderio

import (
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/tiles"
)

const (
	// OpcodeRenderRequest frames carry a render request in FieldRequest.
	OpcodeRenderRequest = 0
	// OpcodeRenderResponse frames carry a completion in FieldResponse.
	OpcodeRenderResponse = 1

	// FieldRequest holds the JSON-encoded render request.
	FieldRequest = "REQUEST"
	// FieldResponse holds the JSON-encoded render response.
	FieldResponse = "RESPONSE"
)

const defaultWriteWait = 10 * time.Second

// WorkerConn is one authenticated builder connection. Outbound frames
// are queued and flushed by a single goroutine so writes never block the
// dispatcher, mirroring the client-side connection discipline.
type WorkerConn struct {
	id        string
	conn      net.Conn
	writeWait time.Duration

	mu       sync.Mutex
	queue    []Frame
	flushing bool
	closed   bool
}

func newWorkerConn(conn net.Conn) *WorkerConn {
	return &WorkerConn{
		id:        uuid.NewString(),
		conn:      conn,
		writeWait: defaultWriteWait,
	}
}

// ID returns the pool-unique identifier assigned at accept time.
func (w *WorkerConn) ID() string {
	return w.id
}

// RemoteAddr reports the builder's address for logs.
func (w *WorkerConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// SendRenderRequest encodes req and enqueues it for delivery. The error
// covers encoding only; transport failures surface through the read loop
// tearing the worker down.
func (w *WorkerConn) SendRenderRequest(req tiles.RenderRequest) error {
	blob, err := json.Marshal(req)
	if err != nil {
		return err
	}
	w.enqueue(Frame{
		Opcode: OpcodeRenderRequest,
		Fields: map[string][]byte{FieldRequest: blob},
	})
	return nil
}

func (w *WorkerConn) enqueue(f Frame) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, f)
	start := !w.flushing
	if start {
		w.flushing = true
	}
	w.mu.Unlock()

	if start {
		go w.flush()
	}
}

func (w *WorkerConn) flush() {
	for {
		w.mu.Lock()
		if w.closed || len(w.queue) == 0 {
			w.flushing = false
			w.mu.Unlock()
			return
		}
		frame := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeWait)); err != nil {
			logging.Error().Err(err).Str("worker", w.id).Msg("failed to set builder write deadline")
		}
		if err := WriteFrame(w.conn, frame); err != nil {
			w.mu.Lock()
			w.flushing = false
			w.mu.Unlock()

			logging.Warn().Err(err).Str("worker", w.id).Msg("builder write failed, closing connection")
			w.Close()
			return
		}
	}
}

// Close releases the connection. Safe to call more than once; queued
// frames are dropped.
func (w *WorkerConn) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	_ = w.conn.Close()
}
