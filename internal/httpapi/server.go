// Package httpapi exposes the engine over HTTP: run submission, run
// cancellation, and live progress streams (SSE and WebSocket). The
// transport layer holds no run state of its own; everything is read
// from the engine and the streaming manager.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/research"
	"github.com/meridianlabs-ai/atlas/internal/tracing"
)

// Engine is the run controller surface the API consumes.
type Engine interface {
	Submit(req research.Request) (string, error)
	Wait(ctx context.Context, runID string) (*research.Report, error)
	Cancel(runID string) bool
	Snapshot(runID string) (research.RunState, bool)
}

// Streams is the progress stream surface the API consumes.
type Streams interface {
	Subscribe(runID string, buffer int) chan research.ProgressEvent
	Unsubscribe(runID string, ch chan research.ProgressEvent)
	ReplaySince(runID string, since uint64) []research.ProgressEvent
	Known(runID string) bool
}

// Server routes research API requests.
type Server struct {
	engine Engine
	stream Streams
	logger *zap.Logger
}

// NewServer builds the API server.
func NewServer(engine Engine, stream Streams, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, stream: stream, logger: logger}
}

// RegisterRoutes registers the research API on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/research", s.handleResearch)
	mux.HandleFunc("/api/research/", s.handleRun)
}

// researchRequest is the submission payload. Mode defaults to deep.
type researchRequest struct {
	Question    string `json:"question"`
	Mode        string `json:"mode,omitempty"`
	Preset      string `json:"preset,omitempty"`
	DocumentSet string `json:"document_set,omitempty"`
	Stream      bool   `json:"stream,omitempty"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, span := tracing.StartHTTPSpan(r.Context(), r.Method, r.URL.Path)
	defer span.End()

	var body researchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Question) == "" {
		s.writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if body.Mode == "" {
		body.Mode = string(research.ModeDeep)
	}

	req := research.Request{
		Question:       body.Question,
		Mode:           research.Mode(body.Mode),
		Preset:         body.Preset,
		DocumentSetRef: body.DocumentSet,
	}

	runID, err := s.engine.Submit(req)
	if err != nil {
		var se *research.ScopingError
		if errors.As(err, &se) {
			s.writeError(w, http.StatusUnprocessableEntity, se.Error())
			return
		}
		s.logger.Error("Run submission failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	if body.Stream {
		s.logger.Info("Run accepted for streaming", zap.String("run_id", runID))
		s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
		return
	}

	report, err := s.engine.Wait(ctx, runID)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; nothing left to write.
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"run_id": runID,
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		RunID  string           `json:"run_id"`
		Report *research.Report `json:"report"`
	}{RunID: runID, Report: report})
}

// handleRun dispatches /api/research/{id}[/events|/ws].
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)
	rest := strings.TrimPrefix(r.URL.Path, "/api/research/")
	runID, sub, _ := strings.Cut(rest, "/")
	if runID == "" {
		s.writeError(w, http.StatusNotFound, "run id required")
		return
	}

	switch {
	case sub == "events" && r.Method == http.MethodGet:
		s.handleSSE(w, r, runID)
	case sub == "ws" && r.Method == http.MethodGet:
		s.handleWS(w, r, runID)
	case sub == "" && r.Method == http.MethodDelete:
		s.handleCancel(w, runID)
	case sub == "" && r.Method == http.MethodGet:
		s.handleStatus(w, runID)
	case sub == "" && r.Method == http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, runID string) {
	if !s.engine.Cancel(runID) {
		s.writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	s.logger.Info("Run cancellation requested", zap.String("run_id", runID))
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "cancelling",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, runID string) {
	state, ok := s.engine.Snapshot(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// knownRun reports whether either the engine or the stream history
// still tracks the run.
func (s *Server) knownRun(runID string) bool {
	if _, ok := s.engine.Snapshot(runID); ok {
		return true
	}
	return s.stream != nil && s.stream.Known(runID)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func allowCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}
