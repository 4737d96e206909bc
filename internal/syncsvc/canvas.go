package syncsvc

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/events"
)

// CanvasState is the per-workflow canvas document maintained by the sync
// service. Version is monotonic.
type CanvasState struct {
	Nodes   map[string]map[string]any
	Edges   map[string]map[string]any
	Version int64
}

func newCanvasState() *CanvasState {
	return &CanvasState{
		Nodes: make(map[string]map[string]any),
		Edges: make(map[string]map[string]any),
	}
}

// ToDict renders the canvas for the Conversation agent's session context.
func (c *CanvasState) ToDict() map[string]any {
	nodes := make(map[string]any, len(c.Nodes))
	for id, n := range c.Nodes {
		nodes[id] = n
	}
	edges := make(map[string]any, len(c.Edges))
	for id, e := range c.Edges {
		edges[id] = e
	}
	return map[string]any{
		"nodes":   nodes,
		"edges":   edges,
		"version": c.Version,
	}
}

// CanvasResult is the structured outcome of applying one canvas change.
// Conflicts are reported, never raised.
type CanvasResult struct {
	Success        bool  `json:"success"`
	Conflict       bool  `json:"conflict,omitempty"`
	CurrentVersion int64 `json:"current_version"`
}

// additive change types skip the version check.
func isAdditive(changeType string) bool {
	return changeType == events.CanvasNodeAdded || changeType == events.CanvasEdgeAdded
}

func (s *Service) onCanvasChange(ctx context.Context, ev events.Event) {
	change, ok := ev.(*events.CanvasChange)
	if !ok {
		return
	}
	res := s.ApplyCanvasChange(change)
	if res.Conflict {
		s.logger.Warn("Canvas change rejected",
			zap.String("workflow_id", change.WorkflowID),
			zap.String("change_type", change.ChangeType),
			zap.Int64("event_version", change.Version),
			zap.Int64("current_version", res.CurrentVersion),
		)
	}
}

// ApplyCanvasChange applies one change to the workflow's canvas. Stale
// non-additive changes are rejected with a conflict result. On success
// the canvas is written into the Conversation agent's session context.
func (s *Service) ApplyCanvasChange(change *events.CanvasChange) CanvasResult {
	s.mu.Lock()
	state := s.canvases[change.WorkflowID]
	if state == nil {
		state = newCanvasState()
		s.canvases[change.WorkflowID] = state
	}

	if !isAdditive(change.ChangeType) && change.Version < state.Version {
		current := state.Version
		s.mu.Unlock()
		canvasChanges.WithLabelValues(change.ChangeType, "conflict").Inc()
		return CanvasResult{Success: false, Conflict: true, CurrentVersion: current}
	}

	applied := applyChange(state, change.ChangeType, change.ChangeData)
	if !applied {
		current := state.Version
		s.mu.Unlock()
		canvasChanges.WithLabelValues(change.ChangeType, "invalid").Inc()
		return CanvasResult{Success: false, CurrentVersion: current}
	}

	state.Version++
	snapshot := state.ToDict()
	version := state.Version
	s.mu.Unlock()

	canvasChanges.WithLabelValues(change.ChangeType, "applied").Inc()
	if s.conversationAgent != nil {
		s.conversationAgent.UpdateCanvasState(snapshot)
	}
	return CanvasResult{Success: true, CurrentVersion: version}
}

// GetCanvasState returns the canvas view for a workflow, or nil when no
// changes were recorded.
func (s *Service) GetCanvasState(workflowID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.canvases[workflowID]
	if state == nil {
		return nil
	}
	return state.ToDict()
}

func applyChange(state *CanvasState, changeType string, data map[string]any) bool {
	switch changeType {
	case events.CanvasNodeAdded:
		nodeID, ok := data["node_id"].(string)
		if !ok || nodeID == "" {
			return false
		}
		node := map[string]any{"node_id": nodeID}
		if t, ok := data["node_type"]; ok {
			node["node_type"] = t
		}
		if pos, ok := data["position"]; ok {
			node["position"] = pos
		}
		if cfg, ok := data["config"]; ok {
			node["config"] = cfg
		}
		state.Nodes[nodeID] = node
		return true

	case events.CanvasNodeUpdated:
		nodeID, ok := data["node_id"].(string)
		if !ok {
			return false
		}
		node, exists := state.Nodes[nodeID]
		if !exists {
			return false
		}
		changes, _ := data["changes"].(map[string]any)
		for k, v := range changes {
			node[k] = v
		}
		return true

	case events.CanvasNodeDeleted:
		nodeID, ok := data["node_id"].(string)
		if !ok {
			return false
		}
		delete(state.Nodes, nodeID)
		return true

	case events.CanvasNodeMoved:
		nodeID, ok := data["node_id"].(string)
		if !ok {
			return false
		}
		node, exists := state.Nodes[nodeID]
		if !exists {
			return false
		}
		node["position"] = data["position"]
		return true

	case events.CanvasEdgeAdded:
		edgeID, ok := data["edge_id"].(string)
		if !ok || edgeID == "" {
			return false
		}
		state.Edges[edgeID] = map[string]any{
			"edge_id":   edgeID,
			"source_id": data["source_id"],
			"target_id": data["target_id"],
		}
		return true

	case events.CanvasEdgeDeleted:
		edgeID, ok := data["edge_id"].(string)
		if !ok {
			return false
		}
		delete(state.Edges, edgeID)
		return true

	default:
		return false
	}
}
