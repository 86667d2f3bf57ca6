package httpapi

import (
	"net/http"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/events"
	"codeplane/internal/logging"
	"codeplane/internal/tenant"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser dashboards connect cross-origin; auth is the tenant header.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWSAllSessions streams every session event of the tenant.
func (s *Server) handleWSAllSessions(w http.ResponseWriter, r *http.Request) {
	tid := tenant.MustFromContext(r.Context())
	s.serveWS(w, r, s.bus.Subscribe(tid))
}

// handleWSSession streams the events of one session.
func (s *Server) handleWSSession(w http.ResponseWriter, r *http.Request) {
	tid := tenant.MustFromContext(r.Context())
	id, err := s.sessionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveWS(w, r, s.bus.SubscribeSession(tid, id))
}

// wsMessage is the wire shape of one websocket event frame.
type wsMessage struct {
	EventType string                 `json:"event_type"`
	SessionID uuid.UUID              `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// serveWS upgrades the connection and pumps subscription events until the
// peer disconnects. Events arrive in per-session FIFO order because the
// subscription channel preserves publish order.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, sub *events.Subscription) {
	log := logging.Get(logging.CategoryHTTP)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		writeError(w, r, apperrors.Wrap(apperrors.CodeValidation, err, "websocket upgrade failed"))
		return
	}
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	// Reader goroutine: drain control frames, detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			msg := wsMessage{
				EventType: string(e.EventType),
				SessionID: e.SessionID,
				Timestamp: e.Timestamp,
				Payload:   e.Payload,
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("websocket write failed, closing: %v", err)
				return
			}
		}
	}
}
