package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin use is expected; restrict at the proxy when needed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS streams a run's progress over a WebSocket, one JSON event
// per message. GET /api/research/{id}/ws
//
// A last_event_id query parameter replays the retained backlog after
// that sequence number; "0" replays everything. The connection closes
// normally after the run's terminal event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, runID string) {
	if s.stream == nil {
		s.writeError(w, http.StatusNotImplemented, "streaming disabled")
		return
	}
	if !s.knownRun(runID) {
		s.writeError(w, http.StatusNotFound, "unknown run")
		return
	}

	since, replay := lastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.stream.Subscribe(runID, 256)
	defer s.stream.Unsubscribe(runID, ch)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	// Reader pump: clients send nothing meaningful, but reads must keep
	// draining for pong handling and disconnect detection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	delivered := uint64(0)
	if replay {
		for _, evt := range s.stream.ReplaySince(runID, since) {
			if err := writeWS(conn, evt); err != nil {
				return
			}
			delivered = evt.Seq
			if evt.Terminal() {
				closeWS(conn, "run complete")
				return
			}
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case evt, open := <-ch:
			if !open {
				closeWS(conn, "run closed")
				return
			}
			if evt.Seq <= delivered {
				continue
			}
			if err := writeWS(conn, evt); err != nil {
				return
			}
			if evt.Terminal() {
				closeWS(conn, "run complete")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func closeWS(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
