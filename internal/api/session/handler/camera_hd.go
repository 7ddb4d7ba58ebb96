package sessionHandler

import (
	"errors"
	"time"

	"RepairLens/internal/api/session"

	"github.com/gofiber/websocket/v2"
)

// handleCameraWebSocket ingests binary camera frames. The newest frame
// always wins; a frame that arrives while the engine is busy simply
// replaces the previous one in the mailbox.
func (h *SessionHandler) handleCameraWebSocket(c *websocket.Conn) {
	sessionID := c.Params("session_id")

	h.log.WithField("session_id", sessionID).Info("Camera WebSocket client connected")
	defer h.log.WithField("session_id", sessionID).Info("Camera WebSocket client disconnected")

	c.SetPingHandler(func(data string) error {
		if err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second)); err != nil {
			h.log.Errorf("Error sending pong: %v", err)
		}
		return nil
	})

	maxReadTimeout := 60 * time.Second

	for {
		if err := c.SetReadDeadline(time.Now().Add(maxReadTimeout)); err != nil {
			h.log.Errorf("Error setting read deadline: %v", err)
			break
		}

		messageType, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Errorf("Camera WebSocket error: %v", err)
			}
			break
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		if err := h.sessionService.PushFrame(sessionID, message); err != nil {
			if writeErr := c.WriteJSON(map[string]string{"error": err.Error()}); writeErr != nil {
				break
			}
			if frameIngestFatal(err) {
				break
			}
			continue
		}
	}
}

// frameIngestFatal reports whether a push error should end the camera
// stream. A frame that fails validation is skipped and the connection
// stays up; only a missing engine ends it.
func frameIngestFatal(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound)
}
