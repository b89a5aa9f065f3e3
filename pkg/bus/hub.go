package bus

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/silviot/live_translation_relay_go/pkg/metrics"
)

const (
	hubWriteWait   = 10 * time.Second
	hubPongWait    = 60 * time.Second
	hubPingPeriod  = 30 * time.Second
	hubSendQueue   = 256
	hubMaxFrameLen = 1 << 20 // audio chunks are the largest frames
)

// hubFrame is one inbound text frame to re-broadcast within a room
type hubFrame struct {
	from *hubClient
	data []byte
}

// hubClient represents a connected WebSocket client
type hubClient struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	room string
	send chan []byte
}

// Hub is the server side of the WebSocket bus. It relays every text frame
// to all other clients in the same room without inspecting it; ordering and
// delivery are best effort (slow clients are disconnected).
type Hub struct {
	clients    map[string]*hubClient
	broadcast  chan hubFrame
	register   chan *hubClient
	unregister chan *hubClient
	stopChan   chan struct{}
	stopOnce   sync.Once
	count      int
	mu         sync.RWMutex // guards count
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	metrics    metrics.Collector
}

// HubConfig holds hub configuration
type HubConfig struct {
	Logger  *slog.Logger
	Metrics metrics.Collector
}

// NewHub creates a new hub. Run must be started before serving clients.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	return &Hub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan hubFrame, 64),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		stopChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Run processes registrations and broadcasts until Close is called
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.id] = client
			h.setCount(len(h.clients))
			h.logger.Info("hub client registered", "clientID", client.id, "room", client.room)

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.setCount(len(h.clients))
				h.logger.Info("hub client unregistered", "clientID", client.id, "room", client.room)
			}

		case frame := <-h.broadcast:
			for id, client := range h.clients {
				if client == frame.from || client.room != frame.from.room {
					continue
				}
				select {
				case client.send <- frame.data:
				default:
					// Slow consumer: drop the client rather than block the room
					h.logger.Warn("hub client send queue full, disconnecting", "clientID", id)
					close(client.send)
					delete(h.clients, id)
					h.setCount(len(h.clients))
				}
			}

		case <-h.stopChan:
			for id, client := range h.clients {
				client.conn.Close()
				close(client.send)
				delete(h.clients, id)
			}
			h.setCount(0)
			return
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
	h.metrics.HubClients(n)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// ServeHTTP upgrades the request and registers the client in the room
// named by the "room" query parameter (default room when absent).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{
		hub:  h,
		conn: conn,
		id:   uuid.NewString(),
		room: r.URL.Query().Get("room"),
		send: make(chan []byte, hubSendQueue),
	}

	select {
	case h.register <- client:
	case <-h.stopChan:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Close disconnects every client and stops Run
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// readPump pumps frames from the WebSocket connection to the hub
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(hubMaxFrameLen)
	c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("hub client read error", "clientID", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(hubPongWait))

		if mt != websocket.TextMessage {
			continue
		}

		select {
		case c.hub.broadcast <- hubFrame{from: c, data: data}:
		case <-c.hub.stopChan:
			return
		}
	}
}

// writePump pumps queued frames from the hub to the WebSocket connection.
// Each frame is written as its own message; receivers decode one message per frame.
func (c *hubClient) writePump() {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
