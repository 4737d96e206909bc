// Package httpapi exposes read-only admin endpoints for the running
// coordinator: liveness, aggregate stats, and per-workflow state queries.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/coordinator"
)

// StatsProvider reports aggregate system statistics.
type StatsProvider interface {
	Stats() map[string]any
}

// StateProvider answers workflow state queries.
type StateProvider interface {
	GetWorkflowState(workflowID string) (*coordinator.WorkflowState, bool)
	GetAllWorkflowStates() map[string]*coordinator.WorkflowState
	QuerySubtaskErrors(workflowID string) []map[string]any
	GetMergedLogs() []coordinator.LogEntry
}

// StatusHandler serves the admin endpoints.
type StatusHandler struct {
	stats  StatsProvider
	states StateProvider
	logger *zap.Logger
}

// NewStatusHandler creates the handler.
func NewStatusHandler(stats StatsProvider, states StateProvider, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{stats: stats, states: states, logger: logger}
}

// RegisterRoutes registers the admin endpoints with an HTTP mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/workflows", h.handleWorkflows)
	mux.HandleFunc("/workflows/", h.handleWorkflow)
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *StatusHandler) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	states := h.states.GetAllWorkflowStates()
	summaries := make(map[string]any, len(states))
	for id, ws := range states {
		summaries[id] = map[string]any{
			"status":         ws.Status,
			"executed_nodes": len(ws.ExecutedNodes),
			"failed_nodes":   len(ws.FailedNodes),
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

// handleWorkflow serves /workflows/{id}, /workflows/{id}/errors, and
// /workflows/{id}/logs.
func (h *StatusHandler) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/workflows/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	workflowID := parts[0]
	if workflowID == "" {
		h.writeError(w, http.StatusBadRequest, "workflow id required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		ws, ok := h.states.GetWorkflowState(workflowID)
		if !ok {
			h.writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		h.writeJSON(w, http.StatusOK, ws)
	case "errors":
		h.writeJSON(w, http.StatusOK, map[string]any{
			"workflow_id": workflowID,
			"errors":      h.states.QuerySubtaskErrors(workflowID),
		})
	case "logs":
		logs := h.states.GetMergedLogs()
		filtered := make([]coordinator.LogEntry, 0, len(logs))
		for _, entry := range logs {
			if entry.WorkflowID == workflowID {
				filtered = append(filtered, entry)
			}
		}
		h.writeJSON(w, http.StatusOK, map[string]any{
			"workflow_id": workflowID,
			"logs":        filtered,
		})
	default:
		h.writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *StatusHandler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]any{"error": message})
}
