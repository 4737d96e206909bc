package compression

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot is one stored context version for a workflow.
type Snapshot struct {
	ID      string
	Context *CompressedContext
}

// SnapshotManager keeps every saved context version per workflow so older
// states can be inspected or restored.
type SnapshotManager struct {
	mu         sync.RWMutex
	byID       map[string]Snapshot
	byWorkflow map[string][]string
	logger     *zap.Logger
}

// NewSnapshotManager builds an empty in-memory snapshot store.
func NewSnapshotManager(logger *zap.Logger) *SnapshotManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotManager{
		byID:       make(map[string]Snapshot),
		byWorkflow: make(map[string][]string),
		logger:     logger,
	}
}

// SaveSnapshot stores the context and returns the snapshot id.
func (m *SnapshotManager) SaveSnapshot(ctx *CompressedContext) string {
	id := "snap_" + uuid.New().String()
	snap := Snapshot{ID: id, Context: ctx}

	m.mu.Lock()
	m.byID[id] = snap
	m.byWorkflow[ctx.WorkflowID] = append(m.byWorkflow[ctx.WorkflowID], id)
	m.mu.Unlock()

	snapshotsSaved.WithLabelValues(ctx.WorkflowID).Inc()
	m.logger.Debug("Context snapshot saved",
		zap.String("snapshot_id", id),
		zap.String("workflow_id", ctx.WorkflowID),
		zap.Int("version", ctx.Version),
	)
	return id
}

// GetSnapshot returns the snapshot by id.
func (m *SnapshotManager) GetSnapshot(id string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.byID[id]
	return snap, ok
}

// GetLatestSnapshot returns the highest-version snapshot for a workflow.
func (m *SnapshotManager) GetLatestSnapshot(workflowID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best Snapshot
	found := false
	for _, id := range m.byWorkflow[workflowID] {
		snap := m.byID[id]
		if !found || snap.Context.Version > best.Context.Version {
			best = snap
			found = true
		}
	}
	return best, found
}

// ListSnapshots returns all snapshots for a workflow ordered by version.
func (m *SnapshotManager) ListSnapshots(workflowID string) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byWorkflow[workflowID]
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Context.Version < out[j].Context.Version
	})
	return out
}

// Clear drops all snapshots for a workflow.
func (m *SnapshotManager) Clear(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byWorkflow[workflowID] {
		delete(m.byID, id)
	}
	delete(m.byWorkflow, workflowID)
}
