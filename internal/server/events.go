package server

import (
	"net/http"
	"time"

	"proof-capture-engine/pkg/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// StreamMessage is one frame of the snapshot stream. The last frame of a finished session has Final set.
type StreamMessage struct {
	Type     string                  `json:"type"`
	Snapshot *models.SessionSnapshot `json:"snapshot,omitempty"`
	Final    bool                    `json:"final,omitempty"`
}

// handleEvents streams session snapshots until the session is torn down or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	requestID := r.Header.Get("X-Request-ID")

	snapshots, unsubscribe, err := s.engine.Subscribe(id)
	if err != nil {
		s.writeEngineError(w, err, requestID)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("session_id", id).Str("request_id", requestID).Logger()
	log.Debug().Msg("Snapshot stream opened")

	// The reader only services control frames and notices the client leaving.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()

	var last models.SessionSnapshot
	for {
		select {
		case <-gone:
			log.Debug().Msg("Snapshot stream closed by client")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case snap, ok := <-snapshots:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteJSON(StreamMessage{Type: "closed", Snapshot: &last, Final: last.Status.Terminal()})
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				log.Debug().Str("status", string(last.Status)).Msg("Snapshot stream finished")
				return
			}
			last = snap
			if err := conn.WriteJSON(StreamMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
				log.Debug().Err(err).Msg("Snapshot stream write failed")
				return
			}
		}
	}
}
