// Package ws provides a lightweight WebSocket pub/sub hub.
// Components publish JSON events through the hub and connected clients
// receive them in real time. A client may subscribe to a single job with
// ?job=<id>, in which case it only sees that job's events plus daemon-wide
// ones. The hub also handles ping/pong keepalives so stale connections get
// cleaned up automatically.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn
	job  string // empty subscribes to everything
}

type message struct {
	job     string
	payload []byte
}

// Hub manages WebSocket client connections and fans out published messages.
// It is safe for concurrent use; register, unregister, and publish all go
// through channels.
type Hub struct {
	clients    map[*websocket.Conn]*client
	register   chan *client
	unregister chan *websocket.Conn
	broadcast  chan message
	upgrader   websocket.Upgrader
	count      atomic.Int64
}

// NewHub allocates a hub with buffered channels.
// Call Run in a goroutine to start the event loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*client),
		register:   make(chan *client, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan message, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Clients reports the number of registered connections.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Run processes registrations, unregistrations, broadcasts, and keepalive
// pings in a single select loop. It closes all clients when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c.conn] = c
			h.count.Store(int64(len(h.clients)))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			for conn, c := range h.clients {
				if msg.job != "" && c.job != "" && msg.job != c.job {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
					h.drop(conn)
				}
			}

		case <-ping.C:
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					h.drop(conn)
				}
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; !ok {
		return
	}
	delete(h.clients, conn)
	h.count.Store(int64(len(h.clients)))
	_ = conn.Close()
}

// Handler returns an http.Handler that upgrades incoming requests to
// WebSocket connections and registers them with the hub.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			return
		}
		h.register <- &client{conn: conn, job: r.URL.Query().Get("job")}

		go func() {
			defer func() { h.unregister <- conn }()
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			conn.SetPongHandler(func(string) error {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
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

// BroadcastJSON publishes a daemon-wide event to every client.
func (h *Hub) BroadcastJSON(v any) { h.Publish("", v) }

// Publish marshals v to JSON and queues it for clients subscribed to job
// (or to everything). If the broadcast channel is full the message is
// silently dropped to avoid blocking the caller.
func (h *Hub) Publish(job string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message{job: job, payload: b}:
	default:
	}
}
