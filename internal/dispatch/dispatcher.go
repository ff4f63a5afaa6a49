// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package dispatch routes render requests to the pool of connected
// builder workers and reconciles their completions against the tile
// cache and the subscription registry.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/metrics"
	"github.com/deltawebmap/tilestream/internal/tiles"
)

// Notifier fans a completed tile out to its subscribers. The subscription
// registry satisfies this.
type Notifier interface {
	NotifyTileReady(target tiles.TileIdentity, url string) int
}

// CacheWriter persists the latest rendered artifact per tile identity.
type CacheWriter interface {
	Upsert(ctx context.Context, rec tiles.CacheRecord) error
}

const defaultSubmitQueueSize = 256

// Options tunes dispatcher behavior. Zero values select defaults.
type Options struct {
	// Strategy selects the worker for each request. Default: LeastPending.
	Strategy Strategy

	// SubmitQueueSize is the capacity of the asynchronous hand-off queue
	// fed by Submit. Default: 256.
	SubmitQueueSize int
}

// Dispatcher owns the set of connected workers. Render requests are
// routed to the least-loaded worker; at most one request is in flight per
// worker, with overflow queued FIFO on that worker.
type Dispatcher struct {
	notifier Notifier
	cache    CacheWriter
	strategy Strategy
	submitCh chan tiles.RenderRequest

	mu      sync.Mutex
	workers []*Worker
}

// New creates a dispatcher with an empty worker pool.
func New(notifier Notifier, cache CacheWriter, opts Options) *Dispatcher {
	if opts.Strategy == nil {
		opts.Strategy = LeastPending{}
	}
	if opts.SubmitQueueSize == 0 {
		opts.SubmitQueueSize = defaultSubmitQueueSize
	}
	return &Dispatcher{
		notifier: notifier,
		cache:    cache,
		strategy: opts.Strategy,
		submitCh: make(chan tiles.RenderRequest, opts.SubmitQueueSize),
	}
}

// AddWorker admits an authenticated builder to the pool and returns its
// pool entry.
func (d *Dispatcher) AddWorker(conn WorkerConn) *Worker {
	w := newWorker(conn)
	d.mu.Lock()
	d.workers = append(d.workers, w)
	n := len(d.workers)
	d.mu.Unlock()

	metrics.WorkersConnected.Set(float64(n))
	logging.Info().Str("worker", w.ID()).Int("pool_size", n).Msg("builder worker joined pool")
	return w
}

// RemoveWorker drops a worker from the pool. Its queued and in-flight
// requests are discarded, not re-dispatched; affected subscribers will
// only see the tile on a later subscribe through the stale-cache path.
func (d *Dispatcher) RemoveWorker(w *Worker) {
	d.mu.Lock()
	for i, cur := range d.workers {
		if cur == w {
			d.workers = append(d.workers[:i], d.workers[i+1:]...)
			break
		}
	}
	n := len(d.workers)
	d.mu.Unlock()

	dropped := w.discard()
	metrics.WorkersConnected.Set(float64(n))
	logging.Info().
		Str("worker", w.ID()).
		Int("pool_size", n).
		Int("dropped_requests", dropped).
		Msg("builder worker left pool")
}

// WorkerCount returns the current pool size.
func (d *Dispatcher) WorkerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// RequestRender routes one render request to a worker. It returns false
// only when no workers are connected; otherwise the request was either
// sent immediately or queued on the chosen worker.
func (d *Dispatcher) RequestRender(req tiles.RenderRequest) bool {
	d.mu.Lock()
	w := d.strategy.Select(d.workers)
	d.mu.Unlock()

	if w == nil {
		metrics.RenderRequestsTotal.WithLabelValues("no_worker").Inc()
		return false
	}

	w.process(req)
	return true
}

// Submit hands a render request to the dispatcher without blocking the
// caller. Sessions use this from their read loops; a full queue drops the
// request, which is indistinguishable from a no-worker condition to the
// subscriber and recovers the same way.
func (d *Dispatcher) Submit(req tiles.RenderRequest) {
	select {
	case d.submitCh <- req:
	default:
		metrics.DispatchDroppedTotal.Inc()
		logging.Warn().Str("target", req.Target.Key()).Msg("dispatch queue full, dropping render request")
	}
}

// Serve pumps submitted requests into RequestRender until the context is
// canceled. Designed to run under suture supervision.
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.submitCh:
			if !d.RequestRender(req) {
				logging.Debug().Str("target", req.Target.Key()).Msg("no workers connected, render request dropped")
			}
		}
	}
}

// String names the dispatcher for supervisor logs.
func (d *Dispatcher) String() string {
	return "render-dispatcher"
}

// OnRenderComplete reconciles a worker's completion: subscribers are
// notified before the cache write so they are never blocked on storage
// latency, then the record is upserted and the worker's overflow queue
// drained.
func (d *Dispatcher) OnRenderComplete(w *Worker, resp tiles.RenderResponse) {
	metrics.RenderCompletionsTotal.Inc()

	notified := d.notifier.NotifyTileReady(resp.Target, resp.URL)
	logging.Debug().
		Str("target", resp.Target.Key()).
		Int("subscribers", notified).
		Msg("render complete")

	rec := tiles.CacheRecord{
		Target:    resp.Target,
		Revision:  resp.Revision,
		URL:       resp.URL,
		TileCount: resp.TileCount,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.cache.Upsert(context.Background(), rec); err != nil {
		logging.Error().Err(err).Str("target", resp.Target.Key()).Msg("failed to upsert tile cache record")
	}

	if next, ok := w.complete(); ok {
		w.send(next)
	}
}
