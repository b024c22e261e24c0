// codice delle API http
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/halftermeyer/linkforest/pkg/core"
	"github.com/halftermeyer/linkforest/pkg/core/types"
)

// registerHTTPHandlers imposta le route per la API REST
func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/", s.router)
}

// router è il nostro router principale manuale. Analizza l'URL e delega all'handler corretto.
func (s *Server) router(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// --- Endpoint di Debug (pprof) ---
	if strings.HasPrefix(path, "/debug/pprof") {
		switch {
		case path == "/debug/pprof/":
			pprof.Index(w, r)
		case path == "/debug/pprof/cmdline":
			pprof.Cmdline(w, r)
		case path == "/debug/pprof/profile":
			pprof.Profile(w, r)
		case path == "/debug/pprof/symbol":
			pprof.Symbol(w, r)
		case path == "/debug/pprof/trace":
			pprof.Trace(w, r)
		default:
			s.writeHTTPError(w, http.StatusNotFound, "pprof endpoint not found")
		}
		return
	}

	// --- Endpoint di Sistema ---
	switch path {
	case "/system/save":
		s.handleSaveHTTP(w, r)
		return
	case "/system/aof-rewrite":
		s.handleAOFRewriteHTTP(w, r)
		return
	case "/system/reset":
		s.handleResetHTTP(w, r)
		return
	}

	// --- Endpoint Forest ---
	switch path {
	case "/forest/link":
		s.handleForestLink(w, r)
		return
	case "/forest/process":
		s.handleForestProcess(w, r)
		return
	case "/forest/metrics":
		s.handleForestMetrics(w, r)
		return
	}

	// --- Endpoint Eventi ---
	if path == "/events" {
		s.handleIngestEvent(w, r)
		return
	}
	if path == "/events/score" {
		s.handleScoreEvent(w, r)
		return
	}
	// Pattern: /events/{eventID}/features
	if rest, ok := strings.CutPrefix(path, "/events/"); ok {
		if eventID, ok := strings.CutSuffix(rest, "/features"); ok && eventID != "" && !strings.Contains(eventID, "/") {
			s.handleEventFeatures(w, r, eventID)
			return
		}
	}

	s.writeHTTPError(w, http.StatusNotFound, "endpoint not found")
}

// --- Handler Eventi ---

// decodeEventRequest validates the shared event body and fills a generated ID
// when the caller left it blank.
func (s *Server) decodeEventRequest(r *http.Request) (*EventRequest, error) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if req.Timestamp <= 0 {
		return nil, fmt.Errorf("timestamp (unix milliseconds) is required")
	}
	for _, ent := range req.Entities {
		if ent.Kind == "" || ent.Key == "" {
			return nil, fmt.Errorf("every entity needs a kind and a key")
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return &req, nil
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	req, err := s.decodeEventRequest(r)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := types.Event{ID: req.ID, Timestamp: req.Timestamp, Type: req.Type, Amount: req.Amount}
	if err := s.Engine.Ingest(ev, req.Entities); err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeHTTPResponse(w, http.StatusCreated, IngestResponse{Status: "OK", ID: ev.ID})
}

// handleScoreEvent scores a brand-new event in real time, before any linking
// or merging. Read-only; any failure is surfaced immediately so the caller's
// fraud decision never runs on silently degraded features.
func (s *Server) handleScoreEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	req, err := s.decodeEventRequest(r)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := types.Event{ID: req.ID, Timestamp: req.Timestamp, Type: req.Type, Amount: req.Amount}
	rec, err := s.Engine.ExtractForward(ev, req.Entities)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeHTTPResponse(w, http.StatusOK, ScoreResponse{Features: rec})
}

// handleEventFeatures is the training-side (backward) extraction for a stored
// event. The optional ?cutoff= query (unix milliseconds) defaults to the
// event's own timestamp.
func (s *Server) handleEventFeatures(w http.ResponseWriter, r *http.Request, eventID string) {
	if r.Method != http.MethodGet {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}

	ev, ok := s.Engine.DB.GetEvent(eventID)
	if !ok {
		s.writeHTTPError(w, http.StatusNotFound, fmt.Sprintf("event '%s' not found", eventID))
		return
	}

	cutoff := ev.Timestamp
	if raw := r.URL.Query().Get("cutoff"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeHTTPError(w, http.StatusBadRequest, "cutoff must be unix milliseconds")
			return
		}
		cutoff = parsed
	}

	rec, err := s.Engine.ExtractBackward(eventID, cutoff)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeHTTPResponse(w, http.StatusOK, rec)
}

// --- Handler Forest ---

func (s *Server) handleForestLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	n, err := s.Engine.LinkChains()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, LinkResponse{Status: "OK", EdgesChanged: n})
}

func (s *Server) handleForestProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	report, err := s.Engine.ProcessBatch(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if len(report.Failures) > 0 {
		// Partial success: some component groups exhausted their retries.
		status = http.StatusMultiStatus
	}
	s.writeHTTPResponse(w, status, report)
}

func (s *Server) handleForestMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	n, err := s.Engine.ComputeMetrics(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, ComputeMetricsResponse{Status: "OK", SnapshotsWritten: n})
}

// --- Handler di Sistema ---

func (s *Server) handleSaveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	if err := s.Engine.SaveSnapshot(); err != nil {
		s.writeHTTPError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK", "message": "snapshot saved"})
}

func (s *Server) handleAOFRewriteHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	if err := s.Engine.RewriteAOF(); err != nil {
		s.writeHTTPError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK", "message": "AOF rewritten"})
}

func (s *Server) handleResetHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeHTTPError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	if err := s.Engine.Reset(); err != nil {
		s.writeHTTPError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK", "message": "derived state cleared"})
}

// --- Helper per le Risposte HTTP ---

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}

// writeEngineError maps engine errors onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		s.writeHTTPError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrStructural):
		// Fatal: the forest needs a manual reset/rebuild.
		s.writeHTTPError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeHTTPError(w, http.StatusInternalServerError, err.Error())
	}
}
