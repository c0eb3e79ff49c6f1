package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/agent"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/plan"
)

// Conversation is the part of the agent controller the chat endpoint drives.
type Conversation interface {
	HandleMessage(ctx context.Context, sessionID, userID, text string) (*agent.Reply, error)
	RegenerateSection(ctx context.Context, sessionID string, key plan.SectionKey) (*agent.Reply, error)
}

// ChatHandler accepts user messages and returns the assistant's reply.
// Progress during the turn streams separately over /stream/sse or /stream/ws.
type ChatHandler struct {
	conv      Conversation
	logger    *zap.Logger
	authToken string
}

func NewChatHandler(conv Conversation, logger *zap.Logger, authToken string) *ChatHandler {
	return &ChatHandler{conv: conv, logger: logger, authToken: authToken}
}

// RegisterRoutes registers chat routes on the provided mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/messages", h.handleMessage)
}

type messageRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

func (h *ChatHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.UserID == "" || req.Text == "" {
		http.Error(w, `{"error":"user_id and text required"}`, http.StatusBadRequest)
		return
	}

	reply, err := h.conv.HandleMessage(r.Context(), req.SessionID, req.UserID, req.Text)
	if err != nil {
		if errors.Is(err, agent.ErrSuperseded) {
			http.Error(w, `{"error":"superseded by a newer message"}`, http.StatusConflict)
			return
		}
		h.logger.Error("Message handling failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

func (h *ChatHandler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == h.authToken
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
