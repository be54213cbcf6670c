package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// handleEventStream upgrades the connection and forwards lifecycle events
// until the client disconnects or the server shuts the hub down. A subscriber
// that cannot keep up misses events rather than stalling the hub; clients
// needing a complete record reconcile from the batch endpoints.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "event stream not enabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(64)
	defer s.hub.Unsubscribe(sub)

	// Drain client frames so pings and close messages are processed; the
	// stream itself is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range sub.C {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
