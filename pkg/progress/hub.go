// Package progress streams live downsample-task snapshots to WebSocket
// subscribers of the admin API.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nicktill/tinyroll/pkg/task"
)

const (
	publishInterval  = 5 * time.Second
	clientSendBuffer = 8
	writeDeadline    = 10 * time.Second
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Allow same-origin requests, or requests with no Origin header
		// (direct connections from curl and other non-browser clients)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Update is one progress frame. Tasks holds the serialized task snapshots.
type Update struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Tasks     json.RawMessage `json:"tasks"`
}

// Hub polls the task snapshots and pushes a frame to every subscriber
// whenever the counters change. A subscriber gets the current state
// immediately on connect, then only deltas-bearing frames: idle tasks do not
// generate traffic.
type Hub struct {
	source   func() []task.Snapshot
	interval time.Duration

	mu          sync.Mutex
	clients     map[*client]struct{}
	lastPayload []byte
}

// client is one subscriber. Frames are handed to a buffered send channel; a
// subscriber that cannot keep up misses frames instead of stalling the hub.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub over a snapshot source (typically the task
// registry's Snapshots method).
func NewHub(source func() []task.Snapshot) *Hub {
	return &Hub{
		source:   source,
		interval: publishInterval,
		clients:  make(map[*client]struct{}),
	}
}

// Run polls the source and publishes until the context ends, then closes all
// subscriber connections.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
			}
			h.mu.Unlock()
			return
		case <-ticker.C:
			h.publish()
		}
	}
}

// publish pushes one frame to all subscribers if the task state changed
// since the last frame.
func (h *Hub) publish() {
	if !h.HasClients() {
		return
	}
	snapshots := h.source()
	if len(snapshots) == 0 {
		return
	}

	payload, err := json.Marshal(snapshots)
	if err != nil {
		log.Printf("Failed to encode task snapshots: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if bytes.Equal(payload, h.lastPayload) {
		return
	}
	h.lastPayload = payload

	frame := frameFor(payload)
	if frame == nil {
		return
	}
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Slow subscriber: skip this frame rather than block the hub
		}
	}
}

func frameFor(payload []byte) []byte {
	frame, err := json.Marshal(Update{
		Type:      "task_progress",
		Timestamp: time.Now().Unix(),
		Tasks:     payload,
	})
	if err != nil {
		log.Printf("Failed to encode progress frame: %v", err)
		return nil
	}
	return frame
}

// HasClients returns true if any subscriber is connected.
func (h *Hub) HasClients() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) > 0
}

func (h *Hub) subscribe(c *client) {
	// Greet the new subscriber with the current state so it does not have to
	// wait for the next change
	var initial []byte
	var payload []byte
	if snapshots := h.source(); len(snapshots) > 0 {
		if raw, err := json.Marshal(snapshots); err == nil {
			payload = raw
			initial = frameFor(raw)
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if payload != nil {
		// The greeting is the dedup baseline: the next tick only publishes
		// if something changed since it
		h.lastPayload = payload
	}
	count := len(h.clients)
	h.mu.Unlock()

	if initial != nil {
		select {
		case c.send <- initial:
		default:
		}
	}
	log.Printf("Progress subscriber connected (total: %d)", count)
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("Progress subscriber disconnected (total: %d)", count)
}

// Handler upgrades the request and serves the progress feed on it.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Progress upgrade failed: %v", err)
			return
		}

		c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
		h.subscribe(c)
		defer h.unsubscribe(c)

		go c.writePump()

		// The read side only consumes control frames and detects close
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(readDeadline))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("Progress connection error: %v", err)
				}
				return
			}
		}
	}
}

// writePump drains the send channel onto the connection and keeps it alive
// with pings. It exits when the channel closes (unsubscribe) or a write
// fails; a failed write also surfaces on the read side, which unsubscribes.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
