package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware does not apply to upgrades; tokens gate access
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Authorizer checks that the bearer of token may watch videoID.
type Authorizer func(ctx context.Context, token string, videoID uuid.UUID) error

// Client represents a single WebSocket connection watching one video.
type Client struct {
	ID      string
	VideoID uuid.UUID
	hub     *Hub
	conn    *websocket.Conn
	send    chan WSMessage
	logger  *zap.Logger
}

// NewClient creates a client that is not yet attached to a connection.
func NewClient(hub *Hub, videoID uuid.UUID, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		ID:      uuid.NewString(),
		VideoID: videoID,
		hub:     hub,
		conn:    conn,
		send:    make(chan WSMessage, 64),
		logger:  logger,
	}
}

// ServeWs handles GET /ws?video_id=&token= and streams status events of that video.
func ServeWs(hub *Hub, logger *zap.Logger, authorize Authorizer) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		videoID, err := uuid.Parse(c.Query("video_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "valid video_id required"})
			return
		}
		if err := authorize(c.Request.Context(), c.Query("token"), videoID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "video not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := NewClient(hub, videoID, conn, logger)
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// readPump only keeps the connection alive; the feed is server to client.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", zap.String("client_id", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
