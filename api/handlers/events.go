package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const heartbeatInterval = 15 * time.Second

// ConversationEvents streams a session's pipeline events as server-sent
// events. Heartbeats keep the connection alive through proxies; the stream
// ends when the client disconnects.
func (s *Server) ConversationEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sendEvent := func(eventType string, data any) {
		jsonData, err := json.Marshal(data)
		if err != nil {
			s.Logger.Error("failed to marshal SSE event", "eventType", eventType, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
		flusher.Flush()
	}

	messages, cancel := s.Broker.Subscribe(sessionID)
	defer cancel()

	sendEvent("connected", map[string]string{"session_id": sessionID})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			sendEvent("heartbeat", map[string]string{})
		case msg, ok := <-messages:
			if !ok {
				return
			}
			sendEvent(string(msg.Type), msg)
		}
	}
}
