package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quickaudit/fieldsync/internal/metrics"
	"github.com/quickaudit/fieldsync/internal/models"
	"github.com/quickaudit/fieldsync/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hubClient is one connected agent.
type hubClient struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

type tenantMessage struct {
	tenantID string
	data     []byte
	exclude  string // client id to skip (the sender of a relayed message)
}

// Hub maintains active connections and fans merged entity updates out to
// every client of the owning tenant.
type Hub struct {
	logger     *slog.Logger
	clients    map[string]*hubClient
	broadcast  chan tenantMessage
	register   chan *hubClient
	unregister chan *hubClient
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	hub := &Hub{
		logger:     logger,
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan tenantMessage, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
	}
	go hub.run()
	return hub
}

// run owns the client registry; all mutation happens on this goroutine.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.id] = client
			metrics.RealtimeConnections.Set(float64(len(h.clients)))
			h.logger.Info("realtime client connected",
				"client", client.id, "tenant", client.tenantID, "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			metrics.RealtimeConnections.Set(float64(len(h.clients)))
			h.logger.Info("realtime client disconnected",
				"client", client.id, "total", len(h.clients))

		case msg := <-h.broadcast:
			for _, client := range h.clients {
				if client.tenantID != msg.tenantID || client.id == msg.exclude {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer: drop the connection, the agent's
					// reconnect logic and next sync round recover it.
					close(client.send)
					delete(h.clients, client.id)
				}
			}
		}
	}
}

// Broadcast sends an envelope to every client of the tenant.
func (h *Hub) Broadcast(tenantID, eventType string, payload interface{}) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		h.logger.Error("failed to marshal realtime envelope", "type", eventType, "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal realtime envelope", "type", eventType, "error", err)
		return
	}
	h.broadcast <- tenantMessage{tenantID: tenantID, data: data}
}

// NotifyEntity implements the merge service's post-commit notification.
func (h *Hub) NotifyEntity(tenantID string, entityType models.EntityType, rec models.Record) {
	h.Broadcast(tenantID, EventType(entityType), rec)
}

// ServeWS upgrades an authenticated request and attaches the connection
// to the hub under its tenant.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{
		id:       uuid.New(),
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes inbound messages. Agents may emit entity-change
// notifications while connected; the hub relays them to the tenant's
// other clients without interpreting the payload.
func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("realtime read error", "client", c.id, "error", err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.logger.Warn("invalid realtime message", "client", c.id, "error", err)
			continue
		}
		if env.Type == "" {
			continue
		}

		c.hub.broadcast <- tenantMessage{tenantID: c.tenantID, data: message, exclude: c.id}
	}
}

// writePump delivers outbound messages and keeps the connection alive.
func (c *hubClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
