package ws

import (
	"bytes"
	"sync/atomic"
	"time"

	"aquachat/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// DeviceMeta carries the client-supplied device description captured at
// connection time.
type DeviceMeta struct {
	DeviceID  string `json:"deviceId,omitempty"`
	Platform  string `json:"platform,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Client represents a single WebSocket connection bound to one user. A user
// may hold many clients at once (one per device/tab).
type Client struct {
	ID       string
	UserID   uuid.UUID
	TenantID uuid.UUID
	Device   DeviceMeta
	Send     chan []byte

	conn         *websocket.Conn
	closing      int32
	connectedAt  time.Time
	lastActivity time.Time
	logger       *logger.Logger
}

func NewClient(conn *websocket.Conn, userID, tenantID uuid.UUID, device DeviceMeta, l *logger.Logger) *Client {
	now := time.Now()
	return &Client{
		ID:           uuid.New().String(),
		UserID:       userID,
		TenantID:     tenantID,
		Device:       device,
		Send:         make(chan []byte, sendBufferSize),
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
		logger:       l,
	}
}

// Enqueue queues an outbound frame without blocking. It returns false when
// the client is closing or its buffer is full; the caller treats that as a
// stale connection.
func (c *Client) Enqueue(data []byte) bool {
	if atomic.LoadInt32(&c.closing) == 1 {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Close marks the client closing and tears down the underlying connection.
// Safe to call more than once.
func (c *Client) Close() {
	if !atomic.CompareAndSwapInt32(&c.closing, 0, 1) {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// ReadPump reads inbound frames and hands them to onMessage until the
// connection drops, then invokes onClose exactly once.
func (c *Client) ReadPump(onMessage func([]byte), onClose func()) {
	defer func() {
		c.Close()
		onClose()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.lastActivity = time.Now()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if c.logger != nil {
					c.logger.Warnf("websocket unexpected close user=%s conn=%s: %v", c.UserID, c.ID, err)
				}
			}
			return
		}

		raw = bytes.TrimSpace(bytes.Replace(raw, newline, space, -1))
		c.lastActivity = time.Now()
		onMessage(raw)
	}
}

// WritePump drains the send buffer onto the wire and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(data)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if time.Since(c.lastActivity) > pongWait*2 {
				if c.logger != nil {
					c.logger.Infof("client idle timeout user=%s conn=%s", c.UserID, c.ID)
				}
				return
			}
		}
	}
}
