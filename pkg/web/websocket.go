package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/database"
	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/gorilla/websocket"
)

// Event types pushed to dashboard clients
const (
	EventPacket           = "packet"
	EventSpurtEnded       = "spurt_ended"
	EventHeartbeatTimeout = "heartbeat_timeout"
	EventStatusUpdate     = "status_update"
	EventSessionsUpdate   = "sessions_update"
)

const writeWait = 5 * time.Second

// Event represents a WebSocket event to be broadcast to clients
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Marshal converts an event to JSON bytes
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Client represents a WebSocket client connection
type Client struct {
	ID       string
	conn     *websocket.Conn
	messages chan []byte
}

// WebSocketHub fans capture events out to every connected dashboard
type WebSocketHub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	if log == nil {
		log = logger.NewNop()
	}
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.WithComponent("websocket"),
	}
}

// Run starts the WebSocket hub event loop
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("WebSocket client registered",
				logger.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.messages)
			}
			h.mu.Unlock()
			h.logger.Debug("WebSocket client unregistered",
				logger.String("client_id", client.ID))

		case event := <-h.broadcast:
			data, err := event.Marshal()
			if err != nil {
				h.logger.Error("Failed to marshal event",
					logger.Error(err),
					logger.String("event_type", event.Type))
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.messages <- data:
				default:
					// slow client, drop rather than stall the hub
					h.logger.Warn("Client message buffer full, skipping",
						logger.String("client_id", client.ID))
				}
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			h.logger.Info("WebSocket hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				close(client.messages)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends an event to all connected clients
func (h *WebSocketHub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast channel full, dropping event",
			logger.String("event_type", event.Type))
	}
}

// Handler returns an HTTP handler for WebSocket connections
func (h *WebSocketHub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response
			h.logger.Debug("WebSocket upgrade failed", logger.Error(err))
			return
		}
		client := &Client{ID: r.RemoteAddr, conn: conn, messages: make(chan []byte, 256)}
		select {
		case h.register <- client:
		case <-h.done:
			_ = conn.Close()
			return
		}

		// Reader: the dashboard never sends, reads only detect close
		go func() {
			defer func() {
				select {
				case h.unregister <- client:
				case <-h.done:
				}
				_ = client.conn.Close()
			}()
			client.conn.SetReadLimit(1024)
			for {
				if _, _, err := client.conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		// Writer
		go func() {
			for msg := range client.messages {
				_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					_ = client.conn.Close()
					return
				}
			}
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
		}()
	})
}

// GetClientCount returns the number of connected clients
func (h *WebSocketHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastPacket publishes one captured packet
func (h *WebSocketHub) BroadcastPacket(p *database.CapturedPacket) {
	h.Broadcast(Event{
		Type:      EventPacket,
		Timestamp: p.CapturedAt,
		Data: map[string]interface{}{
			"number":      p.Number,
			"sender":      p.Sender,
			"session_id":  p.SessionID,
			"role":        p.Role,
			"link_type":   p.LinkType,
			"remote_host": p.RemoteHost,
			"remote_port": p.RemotePort,
			"packet_type": p.PacketType,
			"tsn":         p.TSN,
			"mute":        p.Mute,
			"losing":      p.LosingAudio,
			"unit_id":     p.UnitID,
			"blocks":      p.BlockCount,
		},
	})
}

// BroadcastSpurtEnded publishes a closed spurt
func (h *WebSocketHub) BroadcastSpurtEnded(s *database.Spurt) {
	h.Broadcast(Event{
		Type: EventSpurtEnded,
		Data: map[string]interface{}{
			"session_id": s.SessionID,
			"tsn":        s.TSN,
			"unit_id":    s.UnitID,
			"system_id":  s.SystemID,
			"direction":  s.Direction,
			"duration":   s.Duration,
			"packets":    s.PacketCount,
			"outcome":    s.Outcome,
		},
	})
}

// BroadcastHeartbeatTimeout reports a lost connection heartbeat
func (h *WebSocketHub) BroadcastHeartbeatTimeout() {
	h.Broadcast(Event{
		Type: EventHeartbeatTimeout,
		Data: map[string]interface{}{},
	})
}

// BroadcastStatusUpdate broadcasts a status update to all clients
func (h *WebSocketHub) BroadcastStatusUpdate(status string, version string) {
	h.Broadcast(Event{
		Type: EventStatusUpdate,
		Data: map[string]interface{}{
			"status":  status,
			"version": version,
		},
	})
}

// BroadcastSessionsUpdate broadcasts the session list to all clients
func (h *WebSocketHub) BroadcastSessionsUpdate(sessions interface{}) {
	h.Broadcast(Event{
		Type: EventSessionsUpdate,
		Data: map[string]interface{}{
			"sessions": sessions,
		},
	})
}
