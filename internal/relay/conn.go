// Package relay is the WebSocket server proper: connection lifecycle,
// frame routing, and the message handlers that tie the registry, hub, and
// signature verifier together.
package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Conn is one client connection. All writes to the socket go through the
// buffered send channel and the write pump, so broadcast, reply, and close
// never race. A full buffer means the consumer is too slow; TrySend fails
// and the hub drops the membership rather than waiting.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	remoteAddr string
	domain     string // hostname from the upgrade request, without port
	uri        string // scheme://host per X-Forwarded-Proto

	// Fixed-window rate limiting, touched only by the read goroutine.
	windowStart time.Time
	windowCount int

	onClose func(*Conn) // supervisor teardown, runs exactly once
	log     *zap.Logger
}

func newConn(ws *websocket.Conn, remoteAddr, domain, uri string, log *zap.Logger) *Conn {
	return &Conn{
		ws:         ws,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		remoteAddr: remoteAddr,
		domain:     domain,
		uri:        uri,
		log:        log,
	}
}

// TrySend queues a frame without blocking. False means the connection is
// closed or its buffer is full; callers treat both as "this consumer is
// gone".
func (c *Conn) TrySend(frame []byte) bool {
	if frame == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeWith sends a close frame with the given code and reason, then tears
// the connection down. Safe to call from any goroutine, any number of times.
func (c *Conn) closeWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.Debug("close frame write failed", zap.String("remote", c.remoteAddr), zap.Error(err))
		}
		c.ws.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// teardown closes without a close frame (the peer already went away).
func (c *Conn) teardown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// writePump owns every data write to the socket.
func (c *Conn) writePump() {
	defer c.teardown()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// allow applies the fixed-window rate limit. Called only from the read
// goroutine, so no lock is needed.
func (c *Conn) allow(maxMessages int, window time.Duration) bool {
	now := time.Now()
	if c.windowStart.IsZero() || now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= maxMessages
}
