// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/deltawebmap/tilestream/internal/logging"
	"github.com/deltawebmap/tilestream/internal/tiles"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "json", Output: io.Discard})
}

// fakeWorkerConn records dispatched requests.
type fakeWorkerConn struct {
	id string

	mu   sync.Mutex
	sent []tiles.RenderRequest
}

func (f *fakeWorkerConn) ID() string { return f.id }

func (f *fakeWorkerConn) SendRenderRequest(req tiles.RenderRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeWorkerConn) requests() []tiles.RenderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tiles.RenderRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

// recorder observes the order of notify and cache-write calls.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakeNotifier struct {
	rec *recorder
}

func (f *fakeNotifier) NotifyTileReady(target tiles.TileIdentity, url string) int {
	f.rec.record("notify:" + target.Key())
	return 1
}

type fakeCache struct {
	rec *recorder

	mu      sync.Mutex
	records map[string]tiles.CacheRecord
}

func newFakeCache(rec *recorder) *fakeCache {
	return &fakeCache{rec: rec, records: make(map[string]tiles.CacheRecord)}
}

func (f *fakeCache) Upsert(_ context.Context, r tiles.CacheRecord) error {
	f.rec.record("upsert:" + r.Target.Key())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.Target.Key()] = r
	return nil
}

func (f *fakeCache) get(target tiles.TileIdentity) (tiles.CacheRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[target.Key()]
	return r, ok
}

func newTestDispatcher(opts Options) (*Dispatcher, *recorder, *fakeCache) {
	rec := &recorder{}
	cache := newFakeCache(rec)
	d := New(&fakeNotifier{rec: rec}, cache, opts)
	return d, rec, cache
}

func target(x int) tiles.TileIdentity {
	return tiles.TileIdentity{ServerID: "srv1", TribeID: 7, MapName: "Island", X: x}
}

func request(x int) tiles.RenderRequest {
	return tiles.RenderRequest{Target: target(x), StructureRevision: 1}
}

func response(x int, url string) tiles.RenderResponse {
	return tiles.RenderResponse{Target: target(x), Revision: 1, URL: url, TileCount: 4}
}

func TestRequestRenderNoWorkers(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{})
	if d.RequestRender(request(1)) {
		t.Error("RequestRender should return false with an empty pool")
	}
}

func TestRequestRenderIdleWorkerSentImmediately(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{})
	conn := &fakeWorkerConn{id: "w1"}
	w := d.AddWorker(conn)

	if !d.RequestRender(request(1)) {
		t.Fatal("RequestRender should accept with a connected worker")
	}
	if got := conn.requests(); len(got) != 1 || got[0].Target != target(1) {
		t.Errorf("sent = %+v", got)
	}
	if !w.Busy() {
		t.Error("worker should be busy after immediate send")
	}
}

func TestAtMostOneInFlightAndFIFODrain(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{})
	conn := &fakeWorkerConn{id: "w1"}
	w := d.AddWorker(conn)

	for i := 1; i <= 4; i++ {
		d.RequestRender(request(i))
	}

	// Only the first request goes out; the rest queue on the busy worker.
	if got := conn.requests(); len(got) != 1 {
		t.Fatalf("in-flight = %d, want 1", len(got))
	}
	if w.PendingCount() != 3 {
		t.Errorf("pending = %d, want 3", w.PendingCount())
	}

	// Each completion releases exactly the next queued request, in order.
	for i := 1; i <= 3; i++ {
		d.OnRenderComplete(w, response(i, fmt.Sprintf("http://cdn/%d", i)))
		got := conn.requests()
		if len(got) != i+1 {
			t.Fatalf("after completion %d: in-flight total = %d, want %d", i, len(got), i+1)
		}
		if got[i].Target != target(i+1) {
			t.Errorf("drain order violated: got %v, want %v", got[i].Target, target(i+1))
		}
	}

	d.OnRenderComplete(w, response(4, "http://cdn/4"))
	if w.Busy() {
		t.Error("worker should be idle with an empty queue")
	}
}

func TestLeastPendingSelection(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{})
	connA := &fakeWorkerConn{id: "a"}
	connB := &fakeWorkerConn{id: "b"}
	d.AddWorker(connA)
	d.AddWorker(connB)

	// Request 1: tie at zero pending, first worker in pool order wins.
	d.RequestRender(request(1))
	if len(connA.requests()) != 1 {
		t.Fatal("tie-break should pick the first worker in pool order")
	}

	// Request 2: still a tie at zero pending (busy does not count), so it
	// queues on worker a. Request 3 sees a's pending=1 vs b's 0 and must
	// land on b immediately.
	d.RequestRender(request(2))
	d.RequestRender(request(3))

	got := connB.requests()
	if len(got) != 1 || got[0].Target != target(3) {
		t.Errorf("worker b requests = %+v, want exactly request 3", got)
	}
}

func TestNotifyBeforeCacheWrite(t *testing.T) {
	d, rec, _ := newTestDispatcher(Options{})
	conn := &fakeWorkerConn{id: "w1"}
	w := d.AddWorker(conn)

	d.RequestRender(request(1))
	d.OnRenderComplete(w, response(1, "http://cdn/tile123"))

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[0] != "notify:"+target(1).Key() || events[1] != "upsert:"+target(1).Key() {
		t.Errorf("subscribers must be notified before the cache write, got %v", events)
	}
}

func TestCompletionUpsertsCacheRecord(t *testing.T) {
	d, _, cache := newTestDispatcher(Options{})
	conn := &fakeWorkerConn{id: "w1"}
	w := d.AddWorker(conn)

	d.RequestRender(request(1))
	d.OnRenderComplete(w, response(1, "http://cdn/tile123"))

	rec, ok := cache.get(target(1))
	if !ok {
		t.Fatal("expected cache record after completion")
	}
	if rec.URL != "http://cdn/tile123" || rec.Revision != 1 || rec.TileCount != 4 {
		t.Errorf("record = %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("record should carry a creation time")
	}
}

func TestRemoveWorkerDiscardsQueuedWork(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{})
	conn := &fakeWorkerConn{id: "w1"}
	w := d.AddWorker(conn)

	for i := 1; i <= 3; i++ {
		d.RequestRender(request(i))
	}
	d.RemoveWorker(w)

	if d.WorkerCount() != 0 {
		t.Errorf("pool size = %d, want 0", d.WorkerCount())
	}
	if w.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after discard", w.PendingCount())
	}
	if d.RequestRender(request(4)) {
		t.Error("RequestRender should fail with an empty pool")
	}
}

func TestSubmitPump(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{})
	conn := &fakeWorkerConn{id: "w1"}
	d.AddWorker(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx) }()

	d.Submit(request(1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(conn.requests()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(conn.requests()) != 1 {
		t.Fatal("submitted request never reached the worker")
	}

	cancel()
	if err := <-served; err != context.Canceled {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{SubmitQueueSize: 1})

	// No Serve pump running, so the second submit overflows and is dropped
	// without blocking.
	done := make(chan struct{})
	go func() {
		d.Submit(request(1))
		d.Submit(request(2))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}
