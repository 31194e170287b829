// Package handlers exposes the conversation pipeline over HTTP: session
// start/continue/status/cleanup, a server-sent-events stream of pipeline
// progress, and recovery statistics.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parallaxdata/chatbi/pkg/pipeline"
	"github.com/parallaxdata/chatbi/pkg/push"
	"github.com/parallaxdata/chatbi/pkg/recovery"
)

// Server holds the handler dependencies.
type Server struct {
	Logger       *slog.Logger
	Orchestrator *pipeline.Orchestrator
	Broker       *push.Broker
	Recovery     *recovery.Engine
}

// New creates a handler server.
func New(log *slog.Logger, o *pipeline.Orchestrator, b *push.Broker, r *recovery.Engine) *Server {
	return &Server{Logger: log, Orchestrator: o, Broker: b, Recovery: r}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, pipeline.ErrSessionTerminated):
		s.writeJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
	default:
		s.Logger.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
