package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/idham/relay/internal/observability"
	"github.com/idham/relay/internal/tracing"
	"github.com/idham/relay/pkg/agentloop"
	"github.com/idham/relay/pkg/convstore"
	"github.com/idham/relay/pkg/registry"
	"github.com/idham/relay/pkg/stream"
)

// CreateChatRequest is the body of POST /api/chat. Model, IterationCount
// and AgentID are optional per-run overrides passed through to the loop.
type CreateChatRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Team           string `json:"team_name,omitempty"`
	Model          string `json:"model,omitempty"`
	IterationCount int    `json:"iteration_count,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

// CreateChatResponse is the body returned by POST /api/chat.
type CreateChatResponse struct {
	ChatID         string `json:"chat_id"`
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
}

// UserInputRequest is the body of POST /api/input.
type UserInputRequest struct {
	ChatID  string `json:"chat_id"`
	AgentID string `json:"agent_id"`
	NodeID  string `json:"node_id,omitempty"`
	Value   string `json:"value"`
}

// handleCreateChat creates a session: a fresh chat id, its event stream, and
// an agent run queued on the session's lane.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	suffix, err := gonanoid.New(12)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate chat id")
		return
	}
	chatID := "chat-" + suffix

	if err := s.broker.CreateStream(chatID, req.Query); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create stream")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = chatID
	}

	params := agentloop.RunParams{
		ChatID:         chatID,
		ConversationID: conversationID,
		Query:          req.Query,
		Team:           req.Team,
		Model:          req.Model,
		IterationCount: req.IterationCount,
		AgentID:        req.AgentID,
	}

	// The run outlives this request; only trace identity carries over.
	runCtx := tracing.NewRequestContext(context.Background())
	taskID, err := s.tasks.Submit(runCtx, "session-"+chatID, func(ctx context.Context) (interface{}, error) {
		defer s.forgetSession(chatID)
		return s.runner.Run(ctx, params)
	})
	if err != nil {
		s.broker.Close(chatID)
		writeError(w, http.StatusServiceUnavailable, "failed to queue run")
		return
	}
	s.trackSession(chatID, taskID)

	s.logger.Info().
		Str("chat_id", chatID).
		Str("conversation_id", conversationID).
		Str("task_id", taskID).
		Msg("Chat created")

	writeJSON(w, http.StatusOK, CreateChatResponse{
		ChatID:         chatID,
		ConversationID: conversationID,
		TaskID:         taskID,
	})
}

// handleStream tails a session's live event stream over SSE. An unknown chat
// id yields a single error event followed by end-of-stream, not a transport
// error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	events, err := s.broker.Subscribe(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.streamAttached()
	defer s.streamDetached()

	flusher, ok := sseStart(w)
	if !ok {
		return
	}

	for ev := range events {
		if !writeSSE(w, flusher, ev) {
			return
		}
	}
}

// handleReplay re-serves a session's persisted history as a fresh event
// stream. This is a distinct mode from live tailing: it reads the store, not
// the broker, so it works after the session is gone.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	ctx := r.Context()

	conversationID, err := s.store.ConversationForChat(ctx, chatID)
	switch {
	case errors.Is(err, convstore.ErrConversationNotFound):
		// Unlinked sessions use the chat id as their conversation id; if
		// that is unknown too, the empty-history path below reports it as
		// a stream event, never a transport error.
		conversationID = chatID
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to resolve conversation")
		return
	}

	history, err := s.store.History(ctx, conversationID, -1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	flusher, ok := sseStart(w)
	if !ok {
		return
	}

	if len(history) == 0 {
		writeSSE(w, flusher, stream.ErrorEvent("stream not found: "+chatID))
		return
	}

	for _, msg := range history {
		data := map[string]interface{}{
			"role":    msg.Role,
			"content": msg.Content,
		}
		if msg.AgentID != "" {
			data["agent_id"] = msg.AgentID
		}
		if !writeSSE(w, flusher, stream.Event{
			Type:    stream.EventContent,
			Success: true,
			Data:    data,
		}) {
			return
		}
	}

	writeSSE(w, flusher, stream.CompleteEvent(map[string]interface{}{
		"replay":          true,
		"conversation_id": conversationID,
	}))
}

// handleStop cancels a session: its queued or running task, its registry
// entries, and its stream, which always receives a terminal complete event
// before this returns. The loop's own teardown publishing against the
// already-closed stream is a no-op, so the consumer sees one terminal event.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	taskID, hadTask := s.takeSession(chatID)
	hadStream := s.broker.Exists(chatID)
	if !hadTask && !hadStream {
		writeError(w, http.StatusNotFound, "unknown chat id: "+chatID)
		return
	}

	cancelled := false
	if hadTask {
		cancelled = s.tasks.Cancel(taskID)
	}

	s.registry.Clear(chatID)

	if hadStream {
		_ = s.broker.Publish(chatID, stream.CompleteEvent(map[string]interface{}{
			"stopped": true,
		}))
		s.broker.Close(chatID)
	}

	s.logger.Info().
		Str("chat_id", chatID).
		Str("task_id", taskID).
		Bool("cancelled", cancelled).
		Msg("Chat stopped")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chat_id":   chatID,
		"cancelled": cancelled,
	})
}

// handleInput routes a user-input value to the paused agent. The agent id
// must match exactly; if it does not and exactly one agent is registered for
// the session, that agent receives the value instead.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req UserInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	instances := s.registry.Get(req.ChatID)

	var target *registry.Instance
	for i := range instances {
		if instances[i].AgentID == req.AgentID {
			target = &instances[i]
			break
		}
	}
	if target == nil && len(instances) == 1 {
		target = &instances[0]
	}
	if target == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("no matching agent for chat %s", req.ChatID))
		return
	}

	select {
	case target.InputCh <- registry.UserInput{NodeID: req.NodeID, Value: req.Value}:
	default:
		writeError(w, http.StatusConflict, "agent is not accepting input")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chat_id":  req.ChatID,
		"agent_id": target.AgentID,
	})
}

// handleHealth reports liveness plus a few cheap gauges.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sessions":  s.registry.SessionCount(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// sseStart sets SSE headers and returns the flusher.
func sseStart(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return flusher, true
}

// writeSSE frames one event as an SSE data record. Returns false when the
// client is gone.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev stream.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	observability.RecordStreamEvent(string(ev.Type))
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
