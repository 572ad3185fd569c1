package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/export"
	"github.com/ethpandaops/torrentstats/internal/stats"
)

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// Client is one websocket subscriber. Messages are written by a
// dedicated goroutine so a slow peer never blocks a broadcast.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// Hub fans out sample batches to websocket clients.
type Hub struct {
	log    logrus.FieldLogger
	health *export.HealthMetrics

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates an empty Hub. health may be nil.
func NewHub(log logrus.FieldLogger, health *export.HealthMetrics) *Hub {
	return &Hub{
		log:     log.WithField("component", "ws_hub"),
		health:  health,
		clients: make(map[*Client]struct{}, 8),
	}
}

// Register adds conn and starts its writer.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, clientQueue),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()

		return c
	}

	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.setGauge(n)
	h.log.WithField("clients", n).Debug("Websocket client connected")

	go h.writeLoop(c)

	return c
}

// Unregister removes c and closes its connection.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	c.close()
	h.setGauge(n)
	h.log.WithField("clients", n).Debug("Websocket client disconnected")
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Broadcast sends samples to every client as one JSON array. Clients
// whose queue is full are disconnected.
func (h *Hub) Broadcast(samples []stats.Sample) {
	if len(samples) == 0 || h.Len() == 0 {
		return
	}

	payload, err := json.Marshal(samples)
	if err != nil {
		h.log.WithError(err).Error("Encoding samples for websocket")

		return
	}

	var slow []*Client

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.log.Warn("Websocket client too slow, disconnecting")
		h.Unregister(c)
	}
}

// Close disconnects every client. Later registrations are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.closed = true
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}

	h.setGauge(0)
}

func (h *Hub) writeLoop(c *Client) {
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.WithError(err).Debug("Websocket send failed")
			h.Unregister(c)

			return
		}
	}

	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = c.conn.Close()
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

func (h *Hub) setGauge(n int) {
	if h.health != nil {
		h.health.WebsocketClients.Set(float64(n))
	}
}
