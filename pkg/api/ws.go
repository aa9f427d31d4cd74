package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// handleWSStream tails a session's event stream over a WebSocket, as an
// alternative to SSE for clients behind proxies that buffer chunked
// responses. Frames carry the same JSON objects as the SSE transport.
func (s *Server) handleWSStream(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.broker.Subscribe(ctx, chatID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.streamAttached()
	defer s.streamDetached()

	// Reader goroutine: we never expect client frames, but reading is how
	// we learn the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
