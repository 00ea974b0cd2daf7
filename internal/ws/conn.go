package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/livechat-bridge/backend/internal/metrics"
)

type sendResult int

const (
	sendOK sendResult = iota
	sendFull
	sendClosed
)

// client is one widget WebSocket. Only writePump writes to conn.
type client struct {
	id        string
	sessionID int64
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub

	mu     sync.Mutex
	closed bool
}

func newClient(h *Hub, sessionID int64, conn *websocket.Conn) *client {
	c := &client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, h.opts.SendBuffer),
		hub:       h,
	}
	metrics.Connections.Inc()
	go c.writePump()
	return c
}

func (c *client) writePump() {
	var ping <-chan time.Time
	if c.hub.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.hub.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		c.conn.Close()
		metrics.Connections.Dec()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(c.deadline())
			if !ok {
				// Queue drained and closed by the hub.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("ws write failed", "session", c.sessionID, "conn", c.id, "error", err)
				c.hub.Release(c.sessionID, c)
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
				c.hub.Release(c.sessionID, c)
				return
			}
		}
	}
}

func (c *client) deadline() time.Time {
	if c.hub.opts.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.hub.opts.WriteTimeout)
}

func (c *client) trySend(data []byte) sendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return sendClosed
	}
	select {
	case c.send <- data:
		return sendOK
	default:
		return sendFull
	}
}

// close stops accepting frames. writePump flushes what is queued, sends a
// close frame and closes the socket.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
