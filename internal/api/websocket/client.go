package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
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
	permissions   []auth.Permission

	subMu       sync.RWMutex
	instruments map[string]bool // empty: everything
}

// clientMessage is what clients send: {"type":"auth","token":"..."} or
// {"type":"subscribe","instruments":["lockin"]}.
type clientMessage struct {
	Type        string   `json:"type"`
	Token       string   `json:"token,omitempty"`
	Instruments []string `json:"instruments,omitempty"`
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Client) subscribed(instrument string) bool {
	if instrument == "" {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.instruments) == 0 || c.instruments[instrument]
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	rejected := false
	defer func() {
		if rejected {
			// The write pump flushes the rejection and closes the connection.
			return
		}
		if c.authenticated {
			c.hub.unregisterClient(c)
		} else {
			close(c.send)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if !c.authenticated {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

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
			break
		}

		// First message MUST be authentication
		if !c.authenticated {
			if msg.Type != "auth" || msg.Token == "" {
				c.sendAuthFailed("First message must be authentication")
				rejected = true
				return
			}

			permissions, err := c.hub.authenticator.Authenticate(msg.Token)
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
				c.sendAuthFailed("Invalid or expired token")
				rejected = true
				return
			}

			c.authenticated = true
			c.permissions = permissions
			c.conn.SetReadDeadline(time.Now().Add(pongWait))

			c.sendAuthSuccess(permissions)
			c.logger.Info("WebSocket client authenticated",
				zap.String("remote_addr", c.remoteAddr()),
				zap.Any("permissions", permissions))

			c.hub.registerClient(c)
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) sendAuthSuccess(permissions []auth.Permission) {
	c.sendControl(map[string]interface{}{
		"type":        "auth_success",
		"timestamp":   time.Now(),
		"permissions": permissions,
	})
}

// sendAuthFailed queues the rejection and ends the write pump after it.
// The client was never registered, so the hub does not own send.
func (c *Client) sendAuthFailed(reason string) {
	c.sendControl(map[string]interface{}{
		"type":      "auth_failed",
		"timestamp": time.Now(),
		"reason":    reason,
	})
	close(c.send)
}

// sendControl queues a reply for this client only.
func (c *Client) sendControl(msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, reply dropped", zap.String("remote_addr", c.remoteAddr()))
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		c.subMu.Lock()
		c.instruments = make(map[string]bool, len(msg.Instruments))
		for _, name := range msg.Instruments {
			c.instruments[name] = true
		}
		c.subMu.Unlock()

		c.sendControl(map[string]interface{}{
			"type":        "subscribed",
			"timestamp":   time.Now(),
			"instruments": msg.Instruments,
		})

	default:
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
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

// ServeWs handles WebSocket upgrade requests. With authentication disabled
// clients are registered immediately; otherwise after their auth message.
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

	if hub.authenticator == nil || !hub.authenticator.Enabled() {
		client.authenticated = true
		client.permissions = auth.AllPermissions
		hub.registerClient(client)
	}

	go client.writePump()
	go client.readPump()
}
