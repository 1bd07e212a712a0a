package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256

	authTimeout    = 10 * time.Second
	commandTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the token handshake is the access control
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	logger        *zap.Logger
	authenticated bool
	username      string
	permissions   []auth.Permission
}

// clientMessage is what clients send. The first one must be
// {"type":"auth","token":"..."}.
type clientMessage struct {
	Type    string                 `json:"type"`
	Token   string                 `json:"token,omitempty"`
	Command string                 `json:"command,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		if c.authenticated {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		} else {
			close(c.send)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authTimeout))

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !c.authenticated {
			if !c.authenticate(msg) {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg clientMessage) bool {
	if msg.Type != "auth" || msg.Token == "" {
		c.sendJSON(map[string]interface{}{
			"type":      "auth_failed",
			"timestamp": time.Now(),
			"reason":    "first message must be {\"type\":\"auth\",\"token\":...}",
		})
		return false
	}

	claims, permissions, err := c.hub.validator.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.sendJSON(map[string]interface{}{
			"type":      "auth_failed",
			"timestamp": time.Now(),
			"reason":    "invalid or expired token",
		})
		return false
	}

	c.authenticated = true
	c.username = claims.Username
	c.permissions = permissions
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.sendJSON(map[string]interface{}{
		"type":        "auth_success",
		"timestamp":   time.Now(),
		"permissions": permissions,
	})
	if c.hub.statusProvider != nil {
		if data, err := json.Marshal(NewRunStatusMessage(c.hub.statusProvider.CurrentStatus())); err == nil {
			c.send <- data
		}
	}
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("username", c.username))

	// erst nach erfolgreicher Authentifizierung registrieren
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
	}
	return true
}

func (c *Client) hasPermission(p auth.Permission) bool {
	for _, have := range c.permissions {
		if have == p {
			return true
		}
	}
	return false
}

func (c *Client) handleMessage(msg clientMessage) {
	if msg.Type != "command" {
		c.logger.Debug("Ignoring client message", zap.String("type", msg.Type))
		return
	}

	result := CommandResultData{Command: msg.Command}
	switch {
	case !c.hasPermission(auth.PermOperate):
		result.Error = "insufficient permissions"
	case c.hub.commands == nil:
		result.Error = "commands not available"
	default:
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err := c.hub.commands(ctx, msg.Command, msg.Args)
		cancel()
		if err != nil {
			result.Error = err.Error()
		} else {
			result.OK = true
		}
	}
	c.logger.Info("WebSocket command",
		zap.String("username", c.username),
		zap.String("command", msg.Command),
		zap.Bool("ok", result.OK))

	data, err := json.Marshal(NewMessage(MessageTypeCommandResult, result))
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages into current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// ServeWs handles WebSocket upgrade requests. Clients are registered with
// the hub after they authenticated.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go client.writePump()
	go client.readPump()
}
