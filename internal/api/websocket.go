package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

// Hub maintains the set of active websocket clients and broadcasts alerts
// to them.
type Hub struct {
	upgrader  websocket.Upgrader
	log       *zap.Logger
	broadcast chan []byte
	done      chan struct{}
	once      sync.Once

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub accepts upgrades from the given origins; an empty list or "*"
// accepts any origin.
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	h := &Hub{
		log:       logger.OrNop(log).Named("ws"),
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		clients:   make(map[*websocket.Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

// Run writes queued messages to every client until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case message := <-h.broadcast:
			h.write(message)
		}
	}
}

func (h *Hub) write(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		// A slow client must not stall the hub.
		_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
			h.log.Debug("dropping websocket client", zap.Error(err))
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		h.mu.Unlock()
	})
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribe upgrades the request and registers the client. Clients only
// receive; reads exist to notice disconnects.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", zap.Int("clients", total))

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()
}

// Broadcast queues data for every client, dropping it when the queue is full.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("websocket queue full, dropping message")
	}
}

// BroadcastAlert is an alert sink pushing every new alert to dashboards.
func (h *Hub) BroadcastAlert(alert models.Alert) {
	payload, err := json.Marshal(gin.H{"type": "alert", "alert": alert})
	if err != nil {
		h.log.Error("encode alert", zap.String("id", alert.ID), zap.Error(err))
		return
	}
	h.Broadcast(payload)
}
