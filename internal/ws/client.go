package ws

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Client is one websocket connection to a session.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	userID    string

	// Outbound frames. Closed by the hub once the client is removed.
	send chan []byte

	// Close frame written after send is closed. Set by the hub before the close.
	closeCode int
	closeText string
}

// ServeClient attaches an upgraded connection to the hub and pumps frames
// until either side goes away.
func ServeClient(hub *Hub, conn *websocket.Conn, sessionID, userID string) {
	client := &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan []byte, 256),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		CloseConn(conn, websocket.CloseGoingAway, "Server shutting down")
		return
	}

	go client.writePump()
	go client.readPump()
}

// CloseConn sends a close frame and drops the connection.
func CloseConn(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	conn.Close()
}

func (c *Client) shutdown(code int, text string) {
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("Client read failed", "session_id", c.sessionID, "error", err)
			}
			return
		}

		var frame struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.logger.Warn("Ignoring malformed frame", "session_id", c.sessionID, "error", err)
			continue
		}
		content := strings.TrimSpace(frame.Content)
		if content == "" {
			continue
		}

		select {
		case c.hub.broadcast <- inbound{client: c, content: content}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				CloseConn(c.conn, c.closeCode, c.closeText)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
