package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/plan"
)

// PlanReader is the read-and-revert surface of the plan store.
type PlanReader interface {
	Document(ctx context.Context, planID string) (*plan.Document, error)
	Versions(ctx context.Context, planID string, key plan.SectionKey) ([]plan.Version, error)
	Revert(ctx context.Context, planID string, key plan.SectionKey, toVersion int) (int, error)
}

// PlanHandler serves assembled plan documents, section history, reverts, and
// section regeneration.
type PlanHandler struct {
	plans  PlanReader
	conv   Conversation
	logger *zap.Logger
}

func NewPlanHandler(plans PlanReader, conv Conversation, logger *zap.Logger) *PlanHandler {
	return &PlanHandler{plans: plans, conv: conv, logger: logger}
}

// RegisterRoutes registers plan routes on the provided mux.
func (h *PlanHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/plans", h.handleDocument)
	mux.HandleFunc("/api/v1/plans/versions", h.handleVersions)
	mux.HandleFunc("/api/v1/plans/revert", h.handleRevert)
	mux.HandleFunc("/api/v1/plans/regenerate", h.handleRegenerate)
}

// handleDocument returns the assembled document at each section's latest
// version. GET /api/v1/plans?plan_id=<id>
func (h *PlanHandler) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	planID := r.URL.Query().Get("plan_id")
	if planID == "" {
		http.Error(w, `{"error":"plan_id required"}`, http.StatusBadRequest)
		return
	}

	doc, err := h.plans.Document(r.Context(), planID)
	if err != nil {
		h.planError(w, planID, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleVersions returns a section's full history, oldest first.
// GET /api/v1/plans/versions?plan_id=<id>&section=<key>
func (h *PlanHandler) handleVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	planID := r.URL.Query().Get("plan_id")
	key := plan.SectionKey(r.URL.Query().Get("section"))
	if planID == "" || key == "" {
		http.Error(w, `{"error":"plan_id and section required"}`, http.StatusBadRequest)
		return
	}

	versions, err := h.plans.Versions(r.Context(), planID, key)
	if err != nil {
		h.planError(w, planID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id":  planID,
		"section":  key,
		"versions": versions,
	})
}

type revertRequest struct {
	PlanID  string `json:"plan_id"`
	Section string `json:"section"`
	Version int    `json:"version"`
}

// handleRevert appends a copy of an older version as the new latest one.
// POST /api/v1/plans/revert
func (h *PlanHandler) handleRevert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req revertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.PlanID == "" || req.Section == "" || req.Version < 1 {
		http.Error(w, `{"error":"plan_id, section and version required"}`, http.StatusBadRequest)
		return
	}

	newVersion, err := h.plans.Revert(r.Context(), req.PlanID, plan.SectionKey(req.Section), req.Version)
	if err != nil {
		h.planError(w, req.PlanID, err)
		return
	}
	h.logger.Info("Plan section reverted",
		zap.String("plan_id", req.PlanID),
		zap.String("section", req.Section),
		zap.Int("to_version", req.Version),
		zap.Int("new_version", newVersion),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id": req.PlanID,
		"section": req.Section,
		"version": newVersion,
	})
}

type regenerateRequest struct {
	SessionID string `json:"session_id"`
	Section   string `json:"section"`
}

// handleRegenerate re-synthesizes one section from the session's evidence.
// POST /api/v1/plans/regenerate
func (h *PlanHandler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Section == "" {
		http.Error(w, `{"error":"session_id and section required"}`, http.StatusBadRequest)
		return
	}

	reply, err := h.conv.RegenerateSection(r.Context(), req.SessionID, plan.SectionKey(req.Section))
	if err != nil {
		h.planError(w, req.SessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *PlanHandler) planError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, plan.ErrPlanNotFound) || errors.Is(err, plan.ErrVersionNotFound):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
	case errors.Is(err, plan.ErrUnknownSection):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
	default:
		h.logger.Error("Plan request failed", zap.String("id", id), zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
