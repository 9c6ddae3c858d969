package server

import (
	"github.com/gofiber/websocket/v2"
)

// handleEvents streams the caller's events over a WebSocket. The broadcaster's
// heartbeat doubles as the liveness signal: a client that stops reading gets
// dropped server-side, and the closed channel ends this handler.
func (s *Server) handleEvents(conn *websocket.Conn) {
	uid, ok := conn.Locals("user_id").(int64)
	if !ok || uid <= 0 {
		_ = conn.Close()
		return
	}

	sub := s.deps.Broadcaster.Subscribe(uid)
	defer s.deps.Broadcaster.Unsubscribe(sub)

	// Reads only matter for detecting the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream opened", "user_id", uid, "subscriber_id", sub.ID)
	for {
		select {
		case <-closed:
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("event stream write failed", "user_id", uid, "error", err)
				return
			}
		}
	}
}
