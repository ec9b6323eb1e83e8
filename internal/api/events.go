package api

import (
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/andresmejia3/segbox/internal/scheduler"
)

const eventBuffer = 64

// handleEvents streams one JSON message per job transition until the client goes away.
func (h *Handler) handleEvents(c *websocket.Conn) {
	h.log.Debug("Event stream client connected")
	defer h.log.Debug("Event stream client disconnected")

	events := make(chan scheduler.Event, eventBuffer)
	unsubscribe := h.session.Subscribe(func(e scheduler.Event) {
		// Runs on the scheduler's flusher; never block it.
		select {
		case events <- e:
		default:
			h.log.WithField("job_id", e.Job.ID).Warn("Event stream client too slow, dropping event")
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Errorf("Event stream error: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e := <-events:
			if err := c.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if err := c.WriteJSON(e); err != nil {
				h.log.Errorf("Error writing event: %v", err)
				return
			}
		}
	}
}
