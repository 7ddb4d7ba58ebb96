package sessionHandler

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

// handleStreamWebSocket pushes session snapshots to the client as they
// are published. The client renders from this stream; HTTP responses are
// only convenience reads.
func (h *SessionHandler) handleStreamWebSocket(c *websocket.Conn) {
	sessionID := c.Params("session_id")

	snapshots, cancel, err := h.sessionService.Subscribe(sessionID)
	if err != nil {
		_ = c.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	defer cancel()

	h.log.WithField("session_id", sessionID).Info("Stream WebSocket client connected")
	defer h.log.WithField("session_id", sessionID).Info("Stream WebSocket client disconnected")

	// Reads are only pings and closes; run them on the side so a dead
	// peer tears the writer down.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case snap, ok := <-snapshots:
			if !ok {
				// Session ended and was retired.
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(5*time.Second))
				return
			}
			if err := c.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}
