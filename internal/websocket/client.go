package websocket

import (
	"crypto/subtle"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/flightlog/pkg/logger"
)

const writeWait = 10 * time.Second

// inbound is a message sent by a subscriber
type inbound struct {
	Type      string `json:"type"`
	Password  string `json:"password,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Timestamp any    `json:"timestamp,omitempty"`
}

// readPump reads subscriber messages until the connection fails. The write
// pump closes the connection once the registry has closed the send queue.
func (c *Client) readPump() {
	defer c.server.remove(c)

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Debug("WebSocket read error",
					logger.String("client_id", c.id),
					logger.Error(err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Debug("Failed to parse WebSocket message",
				logger.String("client_id", c.id),
				logger.Error(err))
			continue
		}

		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one inbound message and reports whether to keep reading
func (c *Client) handle(msg inbound) bool {
	switch msg.Type {
	case MessageTypeAuth:
		return c.authenticate(msg)

	case MessageTypePing:
		c.sendControl(map[string]any{"type": MessageTypePong, "timestamp": msg.Timestamp})

	default:
		c.server.logger.Debug("Ignoring WebSocket message",
			logger.String("client_id", c.id),
			logger.String("type", msg.Type))
	}
	return true
}

func (c *Client) authenticate(msg inbound) bool {
	expected := c.server.config.Password
	if expected == "" || subtle.ConstantTimeCompare([]byte(msg.Password), []byte(expected)) != 1 {
		c.server.logger.Warn("WebSocket authentication failed",
			logger.String("client_id", c.id),
			logger.String("remote_addr", c.conn.RemoteAddr().String()))
		c.sendControl(map[string]any{"type": MessageTypeAuthFailed, "message": "Invalid password"})
		return false
	}

	channel := strings.TrimSpace(msg.Channel)
	c.mu.Lock()
	c.authenticated = true
	c.channel = channel
	c.mu.Unlock()
	_ = c.conn.SetReadDeadline(time.Time{})

	c.server.logger.Info("WebSocket client authenticated",
		logger.String("client_id", c.id),
		logger.String("channel", channel))
	c.sendControl(map[string]any{"type": MessageTypeAuthSuccess, "channel": channel, "clientId": c.id})
	return true
}

// sendControl queues a protocol message for this client only
func (c *Client) sendControl(payload map[string]any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump writes queued messages to the connection. A write failure marks
// the client closed; the next broadcast removes it.
func (c *Client) writePump() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.conn.Close()
	}()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.server.logger.Debug("WebSocket write failed",
				logger.String("client_id", c.id),
				logger.Error(err))
			return
		}
	}

	// Send queue closed by the registry
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
