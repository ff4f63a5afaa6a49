// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deltawebmap/tilestream/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "json", Output: io.Discard})
}

// fakeTransport is an in-memory Transport with a re-entrancy guard on
// writes, so tests can verify that at most one write is in flight.
type fakeTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	writing    atomic.Bool
	reentered  atomic.Bool
	writeDelay time.Duration
	failWrites atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return 1, data, nil
	case <-f.done:
		return 0, nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	if !f.writing.CompareAndSwap(false, true) {
		f.reentered.Store(true)
	}
	defer f.writing.Store(false)

	if f.writeDelay > 0 {
		time.Sleep(f.writeDelay)
	}
	if f.failWrites.Load() {
		return errors.New("write failed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeTransport) SetReadLimit(int64)                        {}
func (f *fakeTransport) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error)         {}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// recordingHandler collects delivered frames.
type recordingHandler struct {
	mu     sync.Mutex
	frames [][]byte
}

func (h *recordingHandler) OnMessageReceived(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	h.frames = append(h.frames, cp)
}

func (h *recordingHandler) received() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestSendOrdering(t *testing.T) {
	ft := newFakeTransport()
	ft.writeDelay = time.Millisecond // force queue buildup
	conn := New(ft, &recordingHandler{}, Options{})

	const n = 50
	for i := 0; i < n; i++ {
		conn.Send([]byte(fmt.Sprintf("frame-%03d", i)))
	}

	waitFor(t, func() bool { return len(ft.written()) == n })

	for i, frame := range ft.written() {
		want := fmt.Sprintf("frame-%03d", i)
		if string(frame) != want {
			t.Fatalf("write %d = %q, want %q", i, frame, want)
		}
	}
}

func TestSendOrderingConcurrentCallers(t *testing.T) {
	ft := newFakeTransport()
	conn := New(ft, &recordingHandler{}, Options{})

	const callers = 8
	const perCaller = 25

	var wg sync.WaitGroup
	for g := 0; g < callers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				conn.Send([]byte(fmt.Sprintf("c%d-%03d", g, i)))
			}
		}(g)
	}
	wg.Wait()

	waitFor(t, func() bool { return len(ft.written()) == callers*perCaller })

	// Per-caller frame order must be preserved in the write stream.
	next := make([]int, callers)
	for _, frame := range ft.written() {
		var g, i int
		if _, err := fmt.Sscanf(string(frame), "c%d-%d", &g, &i); err != nil {
			t.Fatalf("unexpected frame %q", frame)
		}
		if i != next[g] {
			t.Fatalf("caller %d frame %d arrived out of order (want %d)", g, i, next[g])
		}
		next[g]++
	}

	if ft.reentered.Load() {
		t.Error("detected concurrent writes to transport")
	}
}

func TestSingleInFlightWrite(t *testing.T) {
	ft := newFakeTransport()
	ft.writeDelay = time.Millisecond
	conn := New(ft, &recordingHandler{}, Options{})

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				conn.Send([]byte("x"))
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return len(ft.written()) == 160 })

	if ft.reentered.Load() {
		t.Error("transport saw re-entrant WriteMessage calls")
	}
}

func TestWriteFailureClosesConnection(t *testing.T) {
	ft := newFakeTransport()
	ft.failWrites.Store(true)
	conn := New(ft, &recordingHandler{}, Options{})

	conn.Send([]byte("doomed"))

	waitFor(t, func() bool {
		select {
		case <-ft.done:
			return true
		default:
			return false
		}
	})

	// Sends after teardown are discarded without starting a new flusher.
	ft.failWrites.Store(false)
	conn.Send([]byte("late"))
	time.Sleep(20 * time.Millisecond)
	if len(ft.written()) != 0 {
		t.Errorf("expected no successful writes, got %d", len(ft.written()))
	}
}

func TestRunDeliversInboundInOrder(t *testing.T) {
	ft := newFakeTransport()
	handler := &recordingHandler{}
	conn := New(ft, handler, Options{})

	for i := 0; i < 10; i++ {
		ft.inbound <- []byte(fmt.Sprintf("in-%02d", i))
	}

	runDone := make(chan struct{})
	go func() {
		_ = conn.Run(context.Background())
		close(runDone)
	}()

	waitFor(t, func() bool { return len(handler.received()) == 10 })
	for i, frame := range handler.received() {
		want := fmt.Sprintf("in-%02d", i)
		if string(frame) != want {
			t.Fatalf("frame %d = %q, want %q", i, frame, want)
		}
	}

	ft.Close()
	<-runDone
}

// panicHandler panics on a designated frame, records everything else.
type panicHandler struct {
	recordingHandler
	trigger string
}

func (h *panicHandler) OnMessageReceived(data []byte) {
	if string(data) == h.trigger {
		panic("bad frame")
	}
	h.recordingHandler.OnMessageReceived(data)
}

func TestHandlerPanicDoesNotEndReadLoop(t *testing.T) {
	ft := newFakeTransport()
	handler := &panicHandler{trigger: "boom"}
	conn := New(ft, handler, Options{})

	ft.inbound <- []byte("first")
	ft.inbound <- []byte("boom")
	ft.inbound <- []byte("second")

	runDone := make(chan struct{})
	go func() {
		_ = conn.Run(context.Background())
		close(runDone)
	}()

	waitFor(t, func() bool { return len(handler.received()) == 2 })
	got := handler.received()
	if string(got[0]) != "first" || string(got[1]) != "second" {
		t.Errorf("frames = %q, %q", got[0], got[1])
	}

	ft.Close()
	<-runDone
}

func TestRunEndsOnContextCancel(t *testing.T) {
	ft := newFakeTransport()
	conn := New(ft, &recordingHandler{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = conn.Run(ctx)
		close(runDone)
	}()

	cancel()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
