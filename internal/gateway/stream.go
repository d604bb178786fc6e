package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent is the wire shape of one bus event forwarded to a reader.
type streamEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS upgrades to a websocket and forwards bus events until the client
// disconnects. The stream is read-only: incoming frames are drained and
// ignored. An optional ?topic= prefix filters the subscription.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("ws: reader connected")
	defer s.logger.Info("ws: reader disconnected")

	ctx := r.Context()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, streamEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}
