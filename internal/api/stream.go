package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/resident-x/go-xpertking/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true // gateway runs on a local network
	},
}

// StreamHub fans snapshots out to websocket subscribers.
type StreamHub struct {
	clients    map[*streamClient]bool
	broadcast  chan *domain.Snapshot
	register   chan *streamClient
	unregister chan *streamClient
	mu         sync.RWMutex
	logger     zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type streamClient struct {
	hub  *StreamHub
	conn *websocket.Conn
	send chan []byte
}

// NewStreamHub creates a hub. Call Start before serving clients.
func NewStreamHub(logger zerolog.Logger) *StreamHub {
	return &StreamHub{
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan *domain.Snapshot, 16),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		logger:     logger.With().Str("component", "stream").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the hub loop.
func (h *StreamHub) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.run()
		h.logger.Debug().Msg("Stream hub started")
	})
}

// Stop closes every subscriber and ends the loop.
func (h *StreamHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()
		h.logger.Debug().Msg("Stream hub stopped")
	})
}

// ClientCount returns the number of connected subscribers.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a snapshot for every subscriber. It never blocks; the
// snapshot is dropped when the queue is full or the hub is stopped.
func (h *StreamHub) Broadcast(snapshot *domain.Snapshot) {
	if snapshot == nil {
		return
	}
	select {
	case <-h.stopCh:
	case h.broadcast <- snapshot:
	default:
		h.logger.Debug().Str("group", snapshot.Group).Msg("Stream queue full, dropping snapshot")
	}
}

func (h *StreamHub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("clients", count).Msg("Stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("clients", count).Msg("Stream client disconnected")

		case snapshot := <-h.broadcast:
			data, err := json.Marshal(snapshot)
			if err != nil {
				h.logger.Error().Err(err).Msg("Failed to marshal snapshot")
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// slow subscriber, skip this snapshot
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeWS upgrades the request and subscribes the connection.
func (h *StreamHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &streamClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case h.register <- client:
	case <-h.stopCh:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only drains control frames; subscribers never send data.
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("Stream read error")
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
