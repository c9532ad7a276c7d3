// Package ws fans live session events out to connected map clients over
// WebSocket. The browser map keeps one connection open and receives every
// position and status change as it happens.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one feed message. Type is "position" or "status"; Data carries
// the corresponding record.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub tracks connected clients and broadcasts events to all of them.
// Registration, removal, and broadcasting all run on one goroutine, so the
// client set needs no lock.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	upgrader   websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn, 8),
		unregister: make(chan *websocket.Conn, 8),
		broadcast:  make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run processes the hub's event loop until ctx is cancelled, pinging
// clients periodically so dead connections get dropped.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				_ = conn.Close()
			}
			return

		case conn := <-h.register:
			h.clients[conn] = struct{}{}

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}

		case msg := <-h.broadcast:
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.clients, conn)
					_ = conn.Close()
				}
			}

		case <-ping.C:
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					delete(h.clients, conn)
					_ = conn.Close()
				}
			}
		}
	}
}

// Handler upgrades requests to WebSocket connections and registers them.
// Inbound frames are drained and ignored; the feed is one-way.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.register <- conn

		go func() {
			defer func() { h.unregister <- conn }()
			_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			conn.SetPongHandler(func(string) error {
				_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}

// Broadcast queues an event for delivery to every connected client. When
// the queue is full the event is dropped rather than blocking the session.
func (h *Hub) Broadcast(evt Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- b:
	default:
	}
}
