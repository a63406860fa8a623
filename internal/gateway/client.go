package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/revotech/chatcore/internal/types"
)

const (
	// writeWait is how long a single socket write may take.
	writeWait = 10 * time.Second
	// pongWait is how long the read side waits for any traffic before the
	// connection is considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait so pings keep the read
	// deadline refreshed.
	pingPeriod = (pongWait * 9) / 10
	// maxFrameBytes caps inbound frame size.
	maxFrameBytes = 64 * 1024
)

// wsConn is the slice of *gorillaws.Conn the client code uses. Tests
// substitute an in-memory implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one registered session's connection inside the hub. Outbound
// frames go through the buffered egress channel; the write pump is the only
// goroutine that touches the socket for writes.
type Client struct {
	sess types.Session
	conn wsConn
	hub  *Hub

	egress chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Session returns the session this client carries.
func (c *Client) Session() types.Session { return c.sess }

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// trySend queues data for the write pump. Returns false when the client is
// closed or its buffer stayed full past the send timeout; the caller drops
// the frame rather than blocking the broadcast path.
func (c *Client) trySend(data []byte, timeout time.Duration) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	if timeout <= 0 {
		select {
		case c.egress <- data:
			return true
		case <-c.closed:
			return false
		default:
			return false
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.egress <- data:
		return true
	case <-c.closed:
		return false
	case <-t.C:
		return false
	}
}

// writePump drains egress onto the socket and keeps the connection alive
// with periodic pings. It exits when the client closes or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound frames and hands them to the hub's worker pool.
// It exits on read error (client gone) and unregisters the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.sess.ID)
		c.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Warn("dropping malformed frame",
				"session_id", c.sess.ID,
				"err", err)
			continue
		}
		c.hub.dispatch(c.sess, f)
	}
}
