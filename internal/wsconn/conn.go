// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package wsconn provides the duplex message channel used by client
// sessions: ordered, non-blocking sends over a websocket, and a read loop
// that delivers inbound frames to a handler one at a time.
package wsconn

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deltawebmap/tilestream/internal/logging"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 8192
)

// Transport is the subset of *websocket.Conn the connection relies on.
// Tests substitute an in-memory implementation.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// MessageHandler receives inbound frames. It is invoked from the read
// loop's goroutine only, never concurrently with itself.
type MessageHandler interface {
	OnMessageReceived(data []byte)
}

// Options tunes connection behavior. Zero values select defaults.
type Options struct {
	// WriteWait is the per-frame write deadline.
	WriteWait time.Duration

	// PongWait is how long the read loop waits for traffic (refreshed on
	// every pong) before giving up on the peer.
	PongWait time.Duration

	// KeepAlive is the ping interval. Zero disables pings.
	KeepAlive time.Duration

	// MaxMessageSize caps inbound frame size in bytes.
	MaxMessageSize int64
}

func (o *Options) applyDefaults() {
	if o.WriteWait == 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait == 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
}

// Conn is a bidirectional message channel over a websocket transport.
//
// Send enqueues a frame and returns immediately; a flusher goroutine,
// started on demand, drains the queue so that frames go out in enqueue
// order with at most one write in flight. Run drives the read loop until
// the peer closes or the transport fails.
type Conn struct {
	transport Transport
	handler   MessageHandler
	opts      Options

	mu       sync.Mutex
	queue    [][]byte
	flushing bool
	closed   bool
}

// New creates a connection over the given transport. The handler may be
// attached later with SetHandler, but must be set before Run is called.
func New(transport Transport, handler MessageHandler, opts Options) *Conn {
	opts.applyDefaults()
	return &Conn{
		transport: transport,
		handler:   handler,
		opts:      opts,
	}
}

// SetHandler attaches the inbound message handler. Must be called before Run.
func (c *Conn) SetHandler(handler MessageHandler) {
	c.handler = handler
}

// Send enqueues a frame for delivery and returns immediately. Frames are
// written to the transport in enqueue order. Sends on a closed connection
// are discarded.
func (c *Conn) Send(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, data)
	start := !c.flushing
	if start {
		c.flushing = true
	}
	c.mu.Unlock()

	if start {
		go c.flush()
	}
}

// flush drains the outbound queue until it is empty. Only one flush runs
// at a time; a failed write re-enqueues the frame and tears the
// connection down.
func (c *Conn) flush() {
	for {
		c.mu.Lock()
		if c.closed || len(c.queue) == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.transport.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
			logging.Error().Err(err).Msg("failed to set write deadline")
		}
		if err := c.transport.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.mu.Lock()
			c.queue = append([][]byte{frame}, c.queue...)
			c.flushing = false
			c.mu.Unlock()

			logging.Warn().Err(err).Msg("websocket write failed, closing connection")
			c.Close()
			return
		}
	}
}

// Run drives the read loop, delivering each inbound frame to the handler
// in arrival order. Handler panics are logged and do not end the loop.
// Run returns when the peer closes, the transport fails, or ctx is
// canceled; the connection is closed on return.
func (c *Conn) Run(ctx context.Context) error {
	t := c.transport
	t.SetReadLimit(c.opts.MaxMessageSize)
	if err := t.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
	}
	t.SetPongHandler(func(string) error {
		return t.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	if c.opts.KeepAlive > 0 {
		go c.pingLoop(done)
	}

	for {
		_, data, err := t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Msg("websocket read ended")
			}
			break
		}
		c.dispatch(data)
	}

	c.Close()
	return nil
}

// dispatch invokes the handler, containing panics so that one bad frame
// cannot end the read loop.
func (c *Conn) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("message handler panicked, frame dropped")
		}
	}()
	c.handler.OnMessageReceived(data)
}

// pingLoop sends keep-alive pings until the connection ends. Control
// frames are safe to write concurrently with data frames.
func (c *Conn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteWait)
			if err := c.transport.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Close performs a best-effort close handshake and releases the
// transport. Safe to call more than once; queued-but-unsent frames are
// dropped.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	deadline := time.Now().Add(c.opts.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.transport.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.transport.Close()
}
