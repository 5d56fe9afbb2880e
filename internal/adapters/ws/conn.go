// Package ws is the duplex-socket server adapter: it owns the websocket
// lifecycle and feeds parsed messages into the broadcast engine.
package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Abdevlo/inkstream-sub000/internal/core"
)

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

// wsConn wraps one websocket with a buffered outbound channel so a slow or
// dead receiver never stalls a broadcast. It implements core.Sender.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan core.Frame, 32),
	}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
