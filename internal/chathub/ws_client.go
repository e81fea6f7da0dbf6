package chathub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"roomchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// FrameHandler processes decoded client frames. It is called from the
// connection's read goroutine, one frame at a time, so frames of one
// connection are handled in the order they were sent.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c Client, frame models.ClientFrame)
}

// WebSocketClient implements Client over gorilla/websocket.
type WebSocketClient struct {
	ConnID  string
	UserID  string
	Conn    *websocket.Conn
	Hub     *ManagerService
	Handler FrameHandler
	Send    chan models.Event

	maxFrameBytes int64
	log           zerolog.Logger
	closeOnce     sync.Once
}

// NewWebSocketClient wraps an upgraded connection of an authenticated user.
func NewWebSocketClient(conn *websocket.Conn, hub *ManagerService, handler FrameHandler, userID string, outbound int, maxFrameBytes int64, log zerolog.Logger) *WebSocketClient {
	id := uuid.NewString()
	return &WebSocketClient{
		ConnID:        id,
		UserID:        userID,
		Conn:          conn,
		Hub:           hub,
		Handler:       handler,
		Send:          make(chan models.Event, outbound),
		maxFrameBytes: maxFrameBytes,
		log:           log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
	}
}

func (c *WebSocketClient) GetConnID() string                   { return c.ConnID }
func (c *WebSocketClient) GetUserID() string                   { return c.UserID }
func (c *WebSocketClient) GetSendChannel() chan<- models.Event { return c.Send }

// Run starts the pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close closes Send, which stops writePump after it flushed the buffer.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

func (c *WebSocketClient) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Hub.Unregister(c.ConnID, ReasonDisconnect)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.maxFrameBytes)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.Hub.Touch(c.ConnID)
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.Hub.Touch(c.ConnID)

		var frame models.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Debug().Err(err).Msg("malformed frame")
			_ = c.Hub.SendTo(c.ConnID, models.Event{Type: models.EventError, Code: "validation", Error: "malformed frame"})
			continue
		}
		c.Handler.HandleFrame(ctx, c, frame)
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Closed by the hub: everything buffered was written.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(event); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
