package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
	syncpkg "github.com/kimhsiao/learnsync/core/internal/sync"
)

// EventSyncStatus carries a models.SyncStatus.
const EventSyncStatus = "sync.status"

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts requests without an Origin header and those from a
// loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// statusClient streams engine status to one connection.
type statusClient struct {
	conn     *websocket.Conn
	engine   syncpkg.SyncEngineInterface
	statuses <-chan models.SyncStatus
	done     chan struct{}
	logger   *logging.Logger
}

// HandleStatusStream upgrades to a WebSocket and pushes every status change.
// A client message {"action":"sync"} starts a background cycle.
func HandleStatusStream(engine syncpkg.SyncEngineInterface, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		statuses, unsubscribe := engine.SubscribeStatus()
		c := &statusClient{
			conn:     conn,
			engine:   engine,
			statuses: statuses,
			done:     make(chan struct{}),
			logger:   logger,
		}
		logger.Debug("Status stream connected", map[string]interface{}{"remote": r.RemoteAddr})

		go c.writePump(unsubscribe)
		go c.readPump()
	}
}

// readPump handles client messages until the connection fails.
func (c *statusClient) readPump() {
	defer close(c.done)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Status stream read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "sync" {
			c.engine.TriggerSync(syncpkg.TriggerManual)
		}
	}
}

// writePump owns all writes to the connection.
func (c *statusClient) writePump(unsubscribe func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		c.conn.Close()
		c.logger.Debug("Status stream closed")
	}()

	for {
		select {
		case status, ok := <-c.statuses:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteJSON(WSEnvelope{
				Type:      EventSyncStatus,
				Data:      status,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
