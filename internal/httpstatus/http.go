// Package httpstatus is the operator-facing status surface of §4.6: a
// single read-only GET /status endpoint exposing the Controller's
// Snapshot. Adapted from the teacher's internal/api façade, stripped
// down to the one route that survives the move from an HTTP-exposed
// key-value store to a WebSocket-session replication core: reading
// status never mutates Controller state.
package httpstatus

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Chinzzii/pg-logical-replicator/internal/cluster"
)

// StatusSource is the subset of *cluster.Controller this package
// depends on, kept narrow so tests can substitute a fake snapshot
// provider instead of a running Controller.
type StatusSource interface {
	ReadStatus() cluster.Snapshot
}

// Server holds the dependencies for the status HTTP surface.
type Server struct {
	controller StatusSource
	log        zerolog.Logger
}

// NewServer creates a new status server instance.
func NewServer(controller StatusSource, logger zerolog.Logger) *Server {
	return &Server{controller: controller, log: logger}
}

// Routes sets up the status handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := s.controller.ReadStatus()
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.log.Error().Err(err).Msg("failed to write json response")
			http.Error(w, "failed to write json response", http.StatusInternalServerError)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	if code != http.StatusNotFound {
		s.log.Warn().Int("code", code).Str("message", message).Msg("status request rejected")
	}
	type errorResponse struct {
		Error string `json:"error"`
	}
	s.respondJSON(w, code, errorResponse{Error: message})
}
