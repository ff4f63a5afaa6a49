// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package dispatch

import (
	"sync"
	"time"

	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/metrics"
	"github.com/deltawebmap/tilestream/internal/tiles"
)

// WorkerConn is the dispatcher's view of one connected builder. Sends
// must be non-blocking enqueues; the builderio transport satisfies this.
type WorkerConn interface {
	ID() string
	SendRenderRequest(req tiles.RenderRequest) error
}

// Worker is one connected builder: its connection, a busy flag, and a
// FIFO overflow queue. The busy flag is true exactly while one dispatched
// request awaits its response, so at most one render is ever in flight
// per worker.
type Worker struct {
	conn WorkerConn

	// mu serializes the busy flag and queue against races between
	// concurrent RequestRender calls and the completion callback.
	mu        sync.Mutex
	busy      bool
	pending   []tiles.RenderRequest
	startedAt time.Time
}

func newWorker(conn WorkerConn) *Worker {
	return &Worker{conn: conn}
}

// ID returns the worker's connection identifier.
func (w *Worker) ID() string {
	return w.conn.ID()
}

// PendingCount returns the queue length used by selection strategies.
func (w *Worker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Busy reports whether a render is currently in flight.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// process sends the request now if the worker is idle, otherwise appends
// it to the overflow queue.
func (w *Worker) process(req tiles.RenderRequest) {
	w.mu.Lock()
	if w.busy {
		w.pending = append(w.pending, req)
		w.mu.Unlock()
		metrics.RenderRequestsTotal.WithLabelValues("queued").Inc()
		return
	}
	w.busy = true
	w.startedAt = time.Now()
	w.mu.Unlock()

	w.send(req)
}

// send pushes the request over the wire. The connection's enqueue-based
// transport makes this non-blocking.
func (w *Worker) send(req tiles.RenderRequest) {
	metrics.RenderRequestsTotal.WithLabelValues("sent").Inc()
	if err := w.conn.SendRenderRequest(req); err != nil {
		logging.Warn().Err(err).Str("worker", w.ID()).Msg("failed to send render request")
	}
}

// complete marks the worker idle and, if overflow work is queued,
// immediately claims the next request in FIFO order. It returns that
// request and true, or false when the queue was empty. The elapsed
// render time is reported for observability.
func (w *Worker) complete() (tiles.RenderRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.busy && !w.startedAt.IsZero() {
		metrics.RenderDuration.Observe(time.Since(w.startedAt).Seconds())
	}
	w.busy = false

	if len(w.pending) == 0 {
		return tiles.RenderRequest{}, false
	}
	next := w.pending[0]
	w.pending = w.pending[1:]
	w.busy = true
	w.startedAt = time.Now()
	return next, true
}

// discard empties the overflow queue, returning how many requests were
// dropped. Used when the worker disconnects.
func (w *Worker) discard() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.pending)
	w.pending = nil
	return n
}
