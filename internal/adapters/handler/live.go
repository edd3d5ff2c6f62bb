package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	live "omni-inbox/internal/adapters/websocket"
)

// LiveSource hands out topic subscriptions
type LiveSource interface {
	Subscribe(topic string) *live.Subscriber
	Unsubscribe(sub *live.Subscriber)
	Authorized(r *http.Request) bool
}

// LiveStreamHandler streams an organization's live events as server-sent events,
// for dashboards that cannot hold a websocket open
type LiveStreamHandler struct {
	source    LiveSource
	heartbeat time.Duration
}

// NewLiveStreamHandler creates the SSE handler; heartbeat keeps idle proxies from closing the stream
func NewLiveStreamHandler(source LiveSource, heartbeat time.Duration) *LiveStreamHandler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &LiveStreamHandler{source: source, heartbeat: heartbeat}
}

// Stream serves GET /live/{orgID}?secret_key=...
func (h *LiveStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if !h.source.Authorized(r) {
		http.Error(w, "Unauthorized: Invalid or missing secret_key", http.StatusUnauthorized)
		return
	}
	orgID := r.PathValue("orgID")
	if orgID == "" {
		http.Error(w, "missing organization", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.source.Subscribe(orgID)
	defer h.source.Unsubscribe(sub)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				slog.Debug("Live stream write failed", "error", err, "organization_id", orgID)
				return
			}
			flusher.Flush()
		}
	}
}
