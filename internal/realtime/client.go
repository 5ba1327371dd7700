package realtime

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Client is one websocket connection bound to a room and an authenticated user.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	roomID      string
	userID      string
	displayName string
	send        chan []byte
	limiter     *rate.Limiter
	log         *log.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, roomID, userID, displayName string, limiter *rate.Limiter, logger *log.Logger) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		roomID:      roomID,
		userID:      userID,
		displayName: displayName,
		send:        make(chan []byte, sendBuffer),
		limiter:     limiter,
		log:         logger.With("room", roomID, "user", userID),
	}
}

// readPump hands every text frame to handle, in arrival order, until the
// connection fails. It unregisters the client on exit.
func (c *Client) readPump(handle func(c *Client, data []byte)) {
	defer func() {
		c.hub.drop(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write error", "err", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
