package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// commandTimeout bounds one renderer command.
const commandTimeout = 5 * time.Second

// EventSync asks for the full current state; it is also sent on connect.
const EventSync = "sync"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CommandHandler executes a renderer command for a surface and returns the reply payload.
type CommandHandler func(ctx context.Context, surface, event string, data json.RawMessage) (any, error)

// Client represents a single renderer connection on a surface.
type Client struct {
	ID       string
	Surface  string
	JoinedAt time.Time
	hub      *Hub
	commands CommandHandler
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. accept rejects surfaces
// that cannot be rendered.
func ServeWs(hub *Hub, logger *zap.Logger, accept func(surface string) bool, commands CommandHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		surface := strings.ToLower(strings.TrimSpace(c.Query("surface")))
		if surface == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "surface required"})
			return
		}
		if accept != nil && !accept(surface) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown surface"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			Surface:  surface,
			JoinedAt: time.Now(),
			hub:      hub,
			commands: commands,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		hub.Register(client)
		go client.writePump()
		client.dispatch(WSMessage{Event: EventSync})
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if msg.Event == "" {
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch runs a command and answers the sender only: "<event>_result" or "error".
func (c *Client) dispatch(msg WSMessage) {
	if c.commands == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	reply, err := c.commands(ctx, c.Surface, msg.Event, msg.Data)
	if err != nil {
		c.logger.Debug("renderer command failed", zap.String("client_id", c.ID), zap.String("event", msg.Event), zap.Error(err))
		c.hub.SendToClient(c.Surface, c.ID, "error", map[string]string{"event": msg.Event, "error": err.Error()})
		return
	}
	c.hub.SendToClient(c.Surface, c.ID, msg.Event+"_result", reply)
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
