package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/research"
)

// sseHeartbeat keeps idle connections alive through proxies.
const sseHeartbeat = 15 * time.Second

// handleSSE streams a run's progress as Server-Sent Events.
// GET /api/research/{id}/events
//
// A Last-Event-ID header (or last_event_id query parameter) replays the
// retained backlog after that sequence number; "0" replays everything.
// The stream ends when the run's terminal event has been delivered.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, runID string) {
	if s.stream == nil {
		s.writeError(w, http.StatusNotImplemented, "streaming disabled")
		return
	}
	if !s.knownRun(runID) {
		s.writeError(w, http.StatusNotFound, "unknown run")
		return
	}

	since, replay := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so no event falls between the backlog
	// and the live feed.
	ch := s.stream.Subscribe(runID, 256)
	defer s.stream.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	delivered := uint64(0)
	if replay {
		for _, evt := range s.stream.ReplaySince(runID, since) {
			writeSSE(w, evt)
			delivered = evt.Seq
			if evt.Terminal() {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return

		case evt, open := <-ch:
			if !open {
				// Run closed; its history has already been delivered or
				// is one replay away.
				return
			}
			if evt.Seq <= delivered {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Terminal() {
				return
			}

		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// lastEventID extracts the replay cursor. The bool reports whether the
// client asked for a replay at all; zero means "from the beginning".
func lastEventID(r *http.Request) (uint64, bool) {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n, true
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func writeSSE(w http.ResponseWriter, evt research.ProgressEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	fmt.Fprintf(w, "event: %s\n", evt.Stage)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
