// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package transport owns exactly one WebSocket connection and exposes it as a
// symmetric text frame channel. It has no retry logic; reconnecting is the
// protocol client's job.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after the channel was closed.
var ErrClosed = errors.New("transport: channel closed")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 16 << 20
	defaultFrameBuffer      = 16
)

// Conn is a framed text message connection.
type Conn interface {
	// Send writes one text frame.
	Send(ctx context.Context, frame []byte) error
	// Frames yields incoming text frames and is closed when the stream ends.
	Frames() <-chan []byte
	// Err reports why Frames was closed.
	Err() error
	// Close terminates the connection. It is idempotent.
	Close() error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Options tunes the WebSocket connection.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	FrameBuffer      int
	TLSConfig        *tls.Config
	Header           http.Header
}

func (o Options) normalize() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = defaultFrameBuffer
	}
	return o
}

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewDialer creates a dialer with the given options.
func NewDialer(opts Options) *WebSocketDialer {
	opts = opts.normalize()
	return &WebSocketDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			TLSClientConfig:  opts.TLSConfig,
		},
	}
}

// Dial connects to url (ws:// or wss://).
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, d.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return Wrap(ws, d.opts), nil
}

// Channel is a Conn backed by a single WebSocket.
type Channel struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	frames chan []byte
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Wrap adopts an established WebSocket (client or server side) and starts its reader.
func Wrap(ws *websocket.Conn, opts Options) *Channel {
	opts = opts.normalize()
	ws.SetReadLimit(opts.ReadLimit)
	c := &Channel{
		ws:           ws,
		writeTimeout: opts.WriteTimeout,
		frames:       make(chan []byte, opts.FrameBuffer),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	defer close(c.frames)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		select {
		case c.frames <- data:
		case <-c.done:
			c.setErr(ErrClosed)
			return
		}
	}
}

// Frames implements Conn.
func (c *Channel) Frames() <-chan []byte {
	return c.frames
}

// Send implements Conn. Writes are serialized.
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Err implements Conn.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Channel) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		select {
		case <-c.done:
			c.err = ErrClosed
		default:
			c.err = err
		}
	}
}

// Close implements Conn.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Done is closed once Close was called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}
