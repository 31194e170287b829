package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// StartRequest opens a new conversation session.
type StartRequest struct {
	Question string `json:"question"`
	Source   string `json:"source"`
}

// ContinueRequest feeds a reply into an existing session.
type ContinueRequest struct {
	Message string `json:"message"`
}

// StartConversation creates a session and runs the pipeline for the first
// question.
func (s *Server) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question is required"})
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "source is required"})
		return
	}

	resp, err := s.Orchestrator.Start(r.Context(), req.Question, req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ContinueConversation dispatches a user reply to its session.
func (s *Server) ContinueConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req ContinueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	resp, err := s.Orchestrator.Continue(r.Context(), sessionID, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ListConversations returns a snapshot of every live session.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Orchestrator.Sessions())
}

// ConversationStatus returns a session snapshot.
func (s *Server) ConversationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Orchestrator.Status(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// CleanupConversation destroys a session.
func (s *Server) CleanupConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Cleanup(chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// RecoveryStats exposes the rolling per-kind recovery statistics.
func (s *Server) RecoveryStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Recovery.Stats())
}
