// Package websocket fans live inbox events out to connected dashboards
package websocket

import (
	"bytes"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogTopic carries the process log stream for operators
const LogTopic = "_logs"

const (
	clientBufferSize = 64

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Subscriber is one live listener on a topic
type Subscriber struct {
	topic string
	send  chan []byte
}

// C returns the channel events arrive on; it closes when the subscriber is removed
func (s *Subscriber) C() <-chan []byte {
	return s.send
}

// LiveHub keeps topic-scoped subscribers and broadcasts to them.
// A topic is an organization id, or LogTopic for the log stream.
// Slow subscribers drop messages instead of blocking the sender.
type LiveHub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscriber]struct{}

	// Secret key for authentication (MESH_SECRET)
	secretKey string

	upgrader websocket.Upgrader
}

// NewLiveHub creates a hub; secretKey guards the websocket endpoints
func NewLiveHub(secretKey string) *LiveHub {
	return &LiveHub{
		topics:    make(map[string]map[*Subscriber]struct{}),
		secretKey: secretKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from other origins; the secret key protects the socket
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Subscribe registers a listener on topic
func (h *LiveHub) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{topic: topic, send: make(chan []byte, clientBufferSize)}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	total := len(subs)
	h.mu.Unlock()

	// Logged after unlocking: the log stream itself broadcasts through the hub
	if topic != LogTopic {
		slog.Debug("Live subscriber connected", "topic", topic, "total", total)
	}
	return sub
}

// Unsubscribe removes the listener and closes its channel; repeated calls are no-ops
func (h *LiveHub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	subs := h.topics[sub.topic]
	_, ok := subs[sub]
	if ok {
		delete(subs, sub)
		close(sub.send)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	h.mu.Unlock()

	if ok && sub.topic != LogTopic {
		slog.Debug("Live subscriber disconnected", "topic", sub.topic)
	}
}

// Broadcast queues payload for every subscriber of topic without blocking
func (h *LiveHub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[topic] {
		select {
		case sub.send <- payload:
		default:
			// Subscriber buffer full: skip this message for it
		}
	}
}

// Write implements io.Writer so the hub can be tee'd into the logger output
func (h *LiveHub) Write(p []byte) (int, error) {
	msg := bytes.TrimRight(bytes.Clone(p), "\n\r")
	h.Broadcast(LogTopic, msg)
	return len(p), nil
}

// SubscriberCount returns the number of listeners on topic
func (h *LiveHub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Authorized checks the secret_key query parameter against MESH_SECRET
func (h *LiveHub) Authorized(r *http.Request) bool {
	key := r.URL.Query().Get("secret_key")
	if key == "" || h.secretKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.secretKey)) == 1
}

// ServeLive upgrades to a websocket streaming the organization's live events
// Route: GET /ws/live/{orgID}?secret_key=...
func (h *LiveHub) ServeLive(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("orgID")
	if orgID == "" {
		http.Error(w, "missing organization", http.StatusBadRequest)
		return
	}
	h.serve(w, r, orgID)
}

// ServeLogs upgrades to a websocket streaming the process log
// Route: GET /ws/logs?secret_key=...
func (h *LiveHub) ServeLogs(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, LogTopic)
}

func (h *LiveHub) serve(w http.ResponseWriter, r *http.Request, topic string) {
	if !h.Authorized(r) {
		http.Error(w, "Unauthorized: Invalid or missing secret_key", http.StatusUnauthorized)
		slog.Warn("Unauthorized websocket attempt", "remote_addr", r.RemoteAddr, "topic", topic)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	sub := h.Subscribe(topic)
	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// readPump drains the connection (pongs, close frames) and unsubscribes on error
func (h *LiveHub) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("WebSocket read error", "error", err)
			}
			return
		}
	}
}

// writePump sends queued events to the connection, batching pending ones
func (h *LiveHub) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(sub.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-sub.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
