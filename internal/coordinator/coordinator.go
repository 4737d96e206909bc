// Package coordinator binds the policy rules, workflow state tracking,
// context compression, and query surface behind the event bus.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/compression"
	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/rules"
)

// Workflow status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// WorkflowState is the coordinator's record of one workflow execution.
// Mutations happen only in event-handler bodies.
type WorkflowState struct {
	WorkflowID    string         `json:"workflow_id"`
	Status        string         `json:"status"`
	NodeCount     int            `json:"node_count"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at,omitempty"`
	ExecutedNodes []string       `json:"executed_nodes"`
	RunningNodes  []string       `json:"running_nodes"`
	FailedNodes   []string       `json:"failed_nodes"`
	SkippedNodes  []string       `json:"skipped_nodes"`
	NodeInputs    map[string]any `json:"node_inputs,omitempty"`
	NodeOutputs   map[string]any `json:"node_outputs,omitempty"`
	NodeErrors    map[string]any `json:"node_errors,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
}

func newWorkflowState(workflowID string, nodeCount int) *WorkflowState {
	return &WorkflowState{
		WorkflowID:  workflowID,
		Status:      StatusRunning,
		NodeCount:   nodeCount,
		StartedAt:   time.Now().UTC(),
		NodeInputs:  make(map[string]any),
		NodeOutputs: make(map[string]any),
		NodeErrors:  make(map[string]any),
	}
}

func (w *WorkflowState) clone() *WorkflowState {
	c := *w
	c.ExecutedNodes = append([]string(nil), w.ExecutedNodes...)
	c.RunningNodes = append([]string(nil), w.RunningNodes...)
	c.FailedNodes = append([]string(nil), w.FailedNodes...)
	c.SkippedNodes = append([]string(nil), w.SkippedNodes...)
	return &c
}

// LogEntry is one line of the merged coordinator log.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

// Log sources for GetMergedLogs.
const (
	LogSourceWorkflow = "workflow"
	LogSourceNode     = "node"
	LogSourceSubAgent = "subagent"
)

// Config controls coordinator behavior.
type Config struct {
	CompressionEnabled bool `mapstructure:"compression_enabled"`
}

// Coordinator tracks workflow state from bus events, validates decisions
// against the rule engine, and maintains compressed contexts.
type Coordinator struct {
	cfg        Config
	engine     *rules.Engine
	compressor *compression.Compressor
	snapshots  *compression.SnapshotManager
	logger     *zap.Logger
	startedAt  time.Time

	mu              sync.RWMutex
	workflows       map[string]*WorkflowState
	contexts        map[string]*compression.CompressedContext
	subagentResults map[string][]map[string]any
	workflowLog     []LogEntry
	nodeLog         []LogEntry
	subagentLog     []LogEntry
}

// New builds a coordinator. Compressor and snapshot manager may be nil
// when compression is disabled.
func New(cfg Config, engine *rules.Engine, compressor *compression.Compressor, snapshots *compression.SnapshotManager, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:             cfg,
		engine:          engine,
		compressor:      compressor,
		snapshots:       snapshots,
		logger:          logger,
		startedAt:       time.Now().UTC(),
		workflows:       make(map[string]*WorkflowState),
		contexts:        make(map[string]*compression.CompressedContext),
		subagentResults: make(map[string][]map[string]any),
	}
}

// ValidateDecision runs the rule engine over a decision. Implements the
// policy chain's validator contract.
func (c *Coordinator) ValidateDecision(ctx context.Context, d rules.Decision) rules.ValidationResult {
	if c.engine == nil {
		return rules.ValidationResult{IsValid: true}
	}
	return c.engine.Validate(d)
}

// RegisterEventHandlers subscribes the coordinator to all events it folds
// into state.
func (c *Coordinator) RegisterEventHandlers(bus *eventbus.Bus) {
	bus.Subscribe(events.TypeWorkflowExecutionStarted, c.onWorkflowStarted)
	bus.Subscribe(events.TypeWorkflowExecutionCompleted, c.onWorkflowCompleted)
	bus.Subscribe(events.TypeNodeExecution, c.onNodeExecution)
	bus.Subscribe(events.TypeWorkflowReflectionCompleted, c.onReflectionCompleted)
	bus.Subscribe(events.TypeSubAgentCompleted, c.onSubAgentCompleted)
	bus.Subscribe(events.TypeSimpleMessage, c.onSimpleMessage)
}

func (c *Coordinator) onWorkflowStarted(ctx context.Context, ev events.Event) {
	started, ok := ev.(*events.WorkflowExecutionStarted)
	if !ok {
		return
	}

	c.mu.Lock()
	c.workflows[started.WorkflowID] = newWorkflowState(started.WorkflowID, started.NodeCount)
	c.workflowLog = append(c.workflowLog, LogEntry{
		Timestamp:  started.Timestamp,
		Source:     LogSourceWorkflow,
		WorkflowID: started.WorkflowID,
		Message:    "workflow started",
		Details:    map[string]any{"node_count": started.NodeCount},
	})
	c.mu.Unlock()

	activeWorkflows.Inc()
	c.logger.Info("Workflow execution started",
		zap.String("workflow_id", started.WorkflowID),
		zap.Int("node_count", started.NodeCount),
	)
}

func (c *Coordinator) onWorkflowCompleted(ctx context.Context, ev events.Event) {
	completed, ok := ev.(*events.WorkflowExecutionCompleted)
	if !ok {
		return
	}

	c.mu.Lock()
	ws := c.workflows[completed.WorkflowID]
	if ws == nil {
		ws = newWorkflowState(completed.WorkflowID, 0)
		c.workflows[completed.WorkflowID] = ws
	}
	ws.Status = completed.Status
	if ws.Status == "" {
		ws.Status = StatusCompleted
	}
	ws.CompletedAt = time.Now().UTC()
	ws.RunningNodes = nil
	ws.Result = completed.Result
	c.workflowLog = append(c.workflowLog, LogEntry{
		Timestamp:  completed.Timestamp,
		Source:     LogSourceWorkflow,
		WorkflowID: completed.WorkflowID,
		Message:    "workflow " + ws.Status,
		Details:    map[string]any{"error": completed.Error},
	})
	c.mu.Unlock()

	activeWorkflows.Dec()
	workflowsCompleted.WithLabelValues(ws.Status).Inc()

	if c.cfg.CompressionEnabled {
		raw := map[string]any{"workflow_status": ws.Status}
		if completed.Error != "" {
			raw["errors"] = []map[string]any{{"error": completed.Error}}
		}
		c.foldContext(ctx, completed.WorkflowID, compression.SourceExecution, raw)
	}
}

func (c *Coordinator) onNodeExecution(ctx context.Context, ev events.Event) {
	node, ok := ev.(*events.NodeExecutionEvent)
	if !ok {
		return
	}

	c.mu.Lock()
	ws := c.workflows[node.WorkflowID]
	if ws == nil {
		ws = newWorkflowState(node.WorkflowID, 0)
		c.workflows[node.WorkflowID] = ws
	}

	switch node.Status {
	case events.NodeStatusRunning:
		ws.RunningNodes = appendUnique(ws.RunningNodes, node.NodeID)
		if node.Inputs != nil {
			ws.NodeInputs[node.NodeID] = node.Inputs
		}
	case events.NodeStatusCompleted:
		ws.RunningNodes = removeString(ws.RunningNodes, node.NodeID)
		ws.ExecutedNodes = appendUnique(ws.ExecutedNodes, node.NodeID)
		if node.Result != nil {
			ws.NodeOutputs[node.NodeID] = node.Result
		}
	case events.NodeStatusFailed:
		ws.RunningNodes = removeString(ws.RunningNodes, node.NodeID)
		ws.FailedNodes = appendUnique(ws.FailedNodes, node.NodeID)
		ws.NodeErrors[node.NodeID] = node.Error
	case events.NodeStatusSkipped:
		ws.RunningNodes = removeString(ws.RunningNodes, node.NodeID)
		ws.SkippedNodes = appendUnique(ws.SkippedNodes, node.NodeID)
	}

	c.nodeLog = append(c.nodeLog, LogEntry{
		Timestamp:  node.Timestamp,
		Source:     LogSourceNode,
		WorkflowID: node.WorkflowID,
		Message:    "node " + node.NodeID + " " + node.Status,
		Details:    map[string]any{"node_type": node.NodeType, "error": node.Error},
	})
	c.mu.Unlock()

	nodeEvents.WithLabelValues(node.Status).Inc()

	if c.cfg.CompressionEnabled {
		entry := map[string]any{
			"node_id":   node.NodeID,
			"node_type": node.NodeType,
			"status":    node.Status,
		}
		if node.Result != nil {
			entry["output"] = node.Result
		}
		if node.Error != "" {
			entry["error"] = node.Error
		}
		c.foldContext(ctx, node.WorkflowID, compression.SourceExecution, map[string]any{
			"executed_nodes": []map[string]any{entry},
		})
	}
}

func (c *Coordinator) onReflectionCompleted(ctx context.Context, ev events.Event) {
	refl, ok := ev.(*events.WorkflowReflectionCompleted)
	if !ok || !c.cfg.CompressionEnabled {
		return
	}
	c.foldContext(ctx, refl.WorkflowID, compression.SourceReflection, map[string]any{
		"assessment":      refl.Assessment,
		"confidence":      refl.Confidence,
		"should_retry":    refl.ShouldRetry,
		"recommendations": refl.Recommendations,
	})
}

func (c *Coordinator) onSubAgentCompleted(ctx context.Context, ev events.Event) {
	done, ok := ev.(*events.SubAgentCompleted)
	if !ok {
		return
	}

	record := map[string]any{
		"subagent_id":    done.SubAgentID,
		"subagent_type":  done.SubAgentType,
		"success":        done.Success,
		"result":         done.Result,
		"error":          done.Error,
		"execution_time": done.ExecutionTime,
	}

	c.mu.Lock()
	c.subagentResults[done.SessionID] = append(c.subagentResults[done.SessionID], record)
	c.subagentLog = append(c.subagentLog, LogEntry{
		Timestamp: done.Timestamp,
		Source:    LogSourceSubAgent,
		Message:   "subagent " + done.SubAgentID + " completed",
		Details:   map[string]any{"session_id": done.SessionID, "success": done.Success},
	})
	c.mu.Unlock()
}

func (c *Coordinator) onSimpleMessage(ctx context.Context, ev events.Event) {
	msg, ok := ev.(*events.SimpleMessage)
	if !ok {
		return
	}
	c.logger.Debug("Message received", zap.Any("payload", msg.Payload))
}

// foldContext merges a raw input into the workflow's compressed context
// and snapshots the result.
func (c *Coordinator) foldContext(ctx context.Context, workflowID, sourceType string, raw map[string]any) {
	if c.compressor == nil {
		return
	}

	c.mu.RLock()
	existing := c.contexts[workflowID]
	c.mu.RUnlock()

	next, err := c.compressor.CompressAndMerge(ctx, existing, compression.Input{
		SourceType: sourceType,
		WorkflowID: workflowID,
		RawData:    raw,
	})
	if err != nil {
		c.logger.Warn("Context compression failed",
			zap.String("workflow_id", workflowID),
			zap.String("source_type", sourceType),
			zap.Error(err),
		)
		return
	}

	c.mu.Lock()
	c.contexts[workflowID] = next
	c.mu.Unlock()

	if c.snapshots != nil {
		c.snapshots.SaveSnapshot(next)
	}
}

// GetCompressedContext returns the current compressed context for a
// workflow. Implements the knowledge orchestrator's gateway contract.
func (c *Coordinator) GetCompressedContext(workflowID string) (*compression.CompressedContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cc, ok := c.contexts[workflowID]
	return cc, ok
}

// SetCompressedContext replaces the context for a workflow.
func (c *Coordinator) SetCompressedContext(workflowID string, cc *compression.CompressedContext) {
	c.mu.Lock()
	c.contexts[workflowID] = cc
	c.mu.Unlock()
}

// GetWorkflowState returns a copy of the workflow's state record.
func (c *Coordinator) GetWorkflowState(workflowID string) (*WorkflowState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ws, ok := c.workflows[workflowID]
	if !ok {
		return nil, false
	}
	return ws.clone(), true
}

// GetAllWorkflowStates returns copies of every tracked workflow state.
func (c *Coordinator) GetAllWorkflowStates() map[string]*WorkflowState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*WorkflowState, len(c.workflows))
	for id, ws := range c.workflows {
		out[id] = ws.clone()
	}
	return out
}

// GetSystemStatus summarizes tracked workflows and coordinator uptime.
func (c *Coordinator) GetSystemStatus() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	running := 0
	for _, ws := range c.workflows {
		if ws.Status == StatusRunning {
			running++
		}
	}
	return map[string]any{
		"uptime_seconds":      time.Since(c.startedAt).Seconds(),
		"workflows_tracked":   len(c.workflows),
		"workflows_running":   running,
		"contexts_tracked":    len(c.contexts),
		"compression_enabled": c.cfg.CompressionEnabled,
	}
}

// QuerySubtaskErrors returns the error log of the workflow's compressed
// context plus per-node errors from state.
func (c *Coordinator) QuerySubtaskErrors(workflowID string) []map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []map[string]any
	if cc, ok := c.contexts[workflowID]; ok {
		for _, e := range cc.ErrorLog {
			out = append(out, map[string]any{
				"node_id":   e.NodeID,
				"error":     e.Error,
				"retryable": e.Retryable,
			})
		}
	}
	if ws, ok := c.workflows[workflowID]; ok {
		for _, nodeID := range ws.FailedNodes {
			out = append(out, map[string]any{
				"node_id": nodeID,
				"error":   ws.NodeErrors[nodeID],
			})
		}
	}
	return out
}

// QueryUnresolvedIssues returns reflection issues still open for retry.
func (c *Coordinator) QueryUnresolvedIssues(workflowID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cc, ok := c.contexts[workflowID]
	if !ok || !cc.Reflection.ShouldRetry {
		return nil
	}
	return append([]string(nil), cc.Reflection.Issues...)
}

// QueryNextPlan returns the next actions recorded in the compressed
// context.
func (c *Coordinator) QueryNextPlan(workflowID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cc, ok := c.contexts[workflowID]
	if !ok {
		return nil
	}
	return append([]string(nil), cc.NextActions...)
}

// GetSubAgentResults returns all recorded sub-agent results for a session.
func (c *Coordinator) GetSubAgentResults(sessionID string) []map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]map[string]any(nil), c.subagentResults[sessionID]...)
}

// GetMergedLogs merges the workflow, node, and sub-agent logs with a
// stable timestamp ordering.
func (c *Coordinator) GetMergedLogs() []LogEntry {
	c.mu.RLock()
	merged := make([]LogEntry, 0, len(c.workflowLog)+len(c.nodeLog)+len(c.subagentLog))
	merged = append(merged, c.workflowLog...)
	merged = append(merged, c.nodeLog...)
	merged = append(merged, c.subagentLog...)
	c.mu.RUnlock()

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

// MarkNodeRecovered implements the failure orchestrator's state contract.
func (c *Coordinator) MarkNodeRecovered(workflowID, nodeID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workflows[workflowID]
	if ws == nil {
		return
	}
	ws.FailedNodes = removeString(ws.FailedNodes, nodeID)
	ws.ExecutedNodes = appendUnique(ws.ExecutedNodes, nodeID)
	delete(ws.NodeErrors, nodeID)
	if output != nil {
		ws.NodeOutputs[nodeID] = output
	}
}

// MarkNodeSkipped implements the failure orchestrator's state contract.
func (c *Coordinator) MarkNodeSkipped(workflowID, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workflows[workflowID]
	if ws == nil {
		return
	}
	ws.FailedNodes = removeString(ws.FailedNodes, nodeID)
	ws.SkippedNodes = appendUnique(ws.SkippedNodes, nodeID)
}

// MarkNodeFailed implements the failure orchestrator's state contract.
func (c *Coordinator) MarkNodeFailed(workflowID, nodeID, errorMessage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workflows[workflowID]
	if ws == nil {
		return
	}
	ws.FailedNodes = appendUnique(ws.FailedNodes, nodeID)
	ws.NodeErrors[nodeID] = errorMessage
}

// ExecutionSnapshot returns the replan context for a workflow.
func (c *Coordinator) ExecutionSnapshot(workflowID string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ws := c.workflows[workflowID]
	if ws == nil {
		return nil
	}
	outputs := make(map[string]any, len(ws.NodeOutputs))
	for k, v := range ws.NodeOutputs {
		outputs[k] = v
	}
	return map[string]any{
		"executed_nodes": append([]string(nil), ws.ExecutedNodes...),
		"node_outputs":   outputs,
		"failed_nodes":   append([]string(nil), ws.FailedNodes...),
	}
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != s {
			out = append(out, existing)
		}
	}
	return out
}
