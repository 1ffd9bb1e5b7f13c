// Package sse binds the Broadcaster's per-session event stream (spec §6.2's
// "duplex streaming channel") onto an HTTP Server-Sent Events response.
//
// Grounded on ui/transports/sse/sse.go's handler shape (headers, event
// framing, flush-per-event, disconnect-via-range-exit) generalized from a
// single chat turn's stream to a long-lived per-session subscription over
// broadcast.Broadcaster, and on core/middleware.go's Flush-aware
// responseWriter for the same "ResponseWriter must also be an http.Flusher"
// requirement.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldstack/blueprint/broadcast"
	"github.com/fieldstack/blueprint/core"
)

// Handler streams one session's broadcast events as Server-Sent Events.
type Handler struct {
	broadcaster *broadcast.Broadcaster
	logger      core.Logger
}

// New builds a Handler over b.
func New(b *broadcast.Broadcaster, logger core.Logger) *Handler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Handler{broadcaster: b, logger: logger}
}

// ServeHTTP implements the subscribe_events operation of spec §6.2. The
// session id is read from the "session" query parameter; the subscriber id
// defaults to the remote address joined with the current time in
// nanoseconds, but a caller-supplied "subscriber" query
// parameter lets one client keep a stable id across reconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}
	subscriberID := r.URL.Query().Get("subscriber")
	if subscriberID == "" {
		subscriberID = fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.broadcaster.Subscribe(sessionID, subscriberID)
	defer sub.Unsubscribe()

	keepalive := time.NewTicker(20 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-sub.Events:
			if !open {
				return
			}
			if err := h.send(w, event); err != nil {
				h.logger.Warn("sse: client disconnected", map[string]interface{}{
					"session_id": sessionID, "subscriber_id": subscriberID, "error": err.Error(),
				})
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) send(w http.ResponseWriter, event broadcast.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}
