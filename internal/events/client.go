package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 1024
)

// controlMessage is the JSON envelope observers send upstream. The only
// supported action is an explicit snapshot request.
type controlMessage struct {
	Action string `json:"action"` // "snapshot"
}

// Client represents a single connected observer.
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger zerolog.Logger
}

// NewClient creates a Client for an upgraded connection. Register it with
// the hub and start both pumps.
func NewClient(hub *Hub, conn *websocket.Conn, userID string, logger zerolog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: logger.With().Str("component", "events-client").Str("client", id).Logger(),
	}
}

// ReadPump consumes control messages from the observer. It runs in its own
// goroutine per client and unregisters the client when the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cm controlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed control message")
			continue
		}

		switch cm.Action {
		case "snapshot":
			c.hub.RequestSnapshot(c)
		default:
			c.logger.Debug().Str("action", cm.Action).Msg("unknown control action")
		}
	}
}

// WritePump delivers hub frames to the observer connection. It runs in its
// own goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
