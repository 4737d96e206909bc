package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/compression"
	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/rules"
)

func newTestCoordinator(t *testing.T, compressionEnabled bool) (*Coordinator, *eventbus.Bus) {
	logger := zaptest.NewLogger(t)
	var compressor *compression.Compressor
	var snaps *compression.SnapshotManager
	if compressionEnabled {
		compressor = compression.NewCompressor(compression.DefaultConfig(), nil, logger)
		snaps = compression.NewSnapshotManager(logger)
	}
	c := New(Config{CompressionEnabled: compressionEnabled}, rules.NewEngine(), compressor, snaps, logger)
	bus := eventbus.New(logger)
	c.RegisterEventHandlers(bus)
	return c, bus
}

func publishNode(bus *eventbus.Bus, workflowID, nodeID, status string, result any, errText string) {
	bus.Publish(context.Background(), &events.NodeExecutionEvent{
		Envelope:   events.NewEnvelope("workflow-agent", ""),
		WorkflowID: workflowID,
		NodeID:     nodeID,
		NodeType:   "api_request",
		Status:     status,
		Result:     result,
		Error:      errText,
	})
}

func TestWorkflowLifecycleTracking(t *testing.T) {
	c, bus := newTestCoordinator(t, false)
	ctx := context.Background()

	bus.Publish(ctx, &events.WorkflowExecutionStarted{
		Envelope:   events.NewEnvelope("workflow-agent", ""),
		WorkflowID: "w1",
		NodeCount:  3,
	})

	publishNode(bus, "w1", "fetch", events.NodeStatusRunning, nil, "")
	ws, ok := c.GetWorkflowState("w1")
	require.True(t, ok)
	assert.Equal(t, []string{"fetch"}, ws.RunningNodes)

	publishNode(bus, "w1", "fetch", events.NodeStatusCompleted, map[string]any{"rows": 10}, "")
	publishNode(bus, "w1", "parse", events.NodeStatusRunning, nil, "")
	publishNode(bus, "w1", "parse", events.NodeStatusFailed, nil, "bad payload")

	ws, _ = c.GetWorkflowState("w1")
	assert.Empty(t, ws.RunningNodes)
	assert.Equal(t, []string{"fetch"}, ws.ExecutedNodes)
	assert.Equal(t, []string{"parse"}, ws.FailedNodes)
	assert.Equal(t, "bad payload", ws.NodeErrors["parse"])

	bus.Publish(ctx, &events.WorkflowExecutionCompleted{
		Envelope:   events.NewEnvelope("workflow-agent", ""),
		WorkflowID: "w1",
		Status:     StatusCompleted,
		Result:     map[string]any{"ok": true},
	})

	ws, _ = c.GetWorkflowState("w1")
	assert.Equal(t, StatusCompleted, ws.Status)
	assert.False(t, ws.CompletedAt.IsZero())
	assert.Equal(t, map[string]any{"ok": true}, ws.Result)
}

func TestWorkflowStartedResetsState(t *testing.T) {
	c, bus := newTestCoordinator(t, false)
	ctx := context.Background()

	bus.Publish(ctx, &events.WorkflowExecutionStarted{
		Envelope: events.NewEnvelope("workflow-agent", ""), WorkflowID: "w1", NodeCount: 2,
	})
	publishNode(bus, "w1", "fetch", events.NodeStatusFailed, nil, "boom")

	bus.Publish(ctx, &events.WorkflowExecutionStarted{
		Envelope: events.NewEnvelope("workflow-agent", ""), WorkflowID: "w1", NodeCount: 2,
	})
	ws, _ := c.GetWorkflowState("w1")
	assert.Empty(t, ws.FailedNodes)
	assert.Equal(t, StatusRunning, ws.Status)
}

func TestCompressionFoldsNodeEvents(t *testing.T) {
	c, bus := newTestCoordinator(t, true)
	ctx := context.Background()

	bus.Publish(ctx, &events.WorkflowExecutionStarted{
		Envelope: events.NewEnvelope("workflow-agent", ""), WorkflowID: "w1", NodeCount: 2,
	})
	publishNode(bus, "w1", "fetch", events.NodeStatusCompleted, "data", "")
	publishNode(bus, "w1", "parse", events.NodeStatusFailed, nil, "bad payload")

	cc, ok := c.GetCompressedContext("w1")
	require.True(t, ok)
	assert.Equal(t, 2, cc.Version)
	require.Len(t, cc.NodeSummary, 2)
	assert.Equal(t, "fetch", cc.NodeSummary[0].NodeID)
	assert.Equal(t, "failed", cc.NodeSummary[1].Status)
	require.Len(t, cc.ErrorLog, 1)
	assert.Equal(t, "bad payload", cc.ErrorLog[0].Error)
}

func TestReflectionFoldsIntoContext(t *testing.T) {
	c, bus := newTestCoordinator(t, true)
	ctx := context.Background()

	publishNode(bus, "w1", "fetch", events.NodeStatusCompleted, nil, "")
	bus.Publish(ctx, &events.WorkflowReflectionCompleted{
		Envelope:        events.NewEnvelope("conversation-agent", ""),
		WorkflowID:      "w1",
		Assessment:      "partial",
		Confidence:      0.6,
		ShouldRetry:     true,
		Recommendations: []string{"Retry parse with schema v2"},
	})

	cc, ok := c.GetCompressedContext("w1")
	require.True(t, ok)
	assert.Equal(t, "partial", cc.Reflection.Assessment)
	assert.Equal(t, []string{"Retry parse with schema v2"}, cc.NextActions)
	assert.Equal(t, []string{"Retry parse with schema v2"}, c.QueryNextPlan("w1"))
}

func TestSubAgentResultsPerSession(t *testing.T) {
	c, bus := newTestCoordinator(t, false)
	ctx := context.Background()

	bus.Publish(ctx, &events.SubAgentCompleted{
		Envelope:     events.NewEnvelope("conversation-agent", ""),
		SubAgentID:   "sa1",
		SubAgentType: events.SubAgentSearch,
		SessionID:    "sess1",
		Success:      true,
		Result:       "found it",
	})
	bus.Publish(ctx, &events.SubAgentCompleted{
		Envelope:   events.NewEnvelope("conversation-agent", ""),
		SubAgentID: "sa2",
		SessionID:  "sess1",
		Success:    false,
		Error:      "no results",
	})

	results := c.GetSubAgentResults("sess1")
	require.Len(t, results, 2)
	assert.Equal(t, "sa1", results[0]["subagent_id"])
	assert.Equal(t, false, results[1]["success"])
	assert.Empty(t, c.GetSubAgentResults("sess2"))
}

func TestQuerySubtaskErrors(t *testing.T) {
	c, bus := newTestCoordinator(t, true)

	publishNode(bus, "w1", "parse", events.NodeStatusFailed, nil, "bad payload")

	errs := c.QuerySubtaskErrors("w1")
	require.NotEmpty(t, errs)
	assert.Equal(t, "bad payload", errs[0]["error"])
}

func TestGetMergedLogsStableOrder(t *testing.T) {
	c, bus := newTestCoordinator(t, false)
	ctx := context.Background()

	bus.Publish(ctx, &events.WorkflowExecutionStarted{
		Envelope: events.NewEnvelope("workflow-agent", ""), WorkflowID: "w1", NodeCount: 1,
	})
	publishNode(bus, "w1", "fetch", events.NodeStatusCompleted, nil, "")
	bus.Publish(ctx, &events.SubAgentCompleted{
		Envelope: events.NewEnvelope("conversation-agent", ""), SubAgentID: "sa1", SessionID: "s1",
	})

	logs := c.GetMergedLogs()
	require.Len(t, logs, 3)
	for i := 1; i < len(logs); i++ {
		assert.False(t, logs[i].Timestamp.Before(logs[i-1].Timestamp))
	}
	assert.Equal(t, LogSourceWorkflow, logs[0].Source)
	assert.Equal(t, LogSourceNode, logs[1].Source)
	assert.Equal(t, LogSourceSubAgent, logs[2].Source)
}

func TestFailureStateContract(t *testing.T) {
	c, bus := newTestCoordinator(t, false)

	publishNode(bus, "w1", "fetch", events.NodeStatusFailed, nil, "timeout")

	c.MarkNodeRecovered("w1", "fetch", map[string]any{"rows": 5})
	ws, _ := c.GetWorkflowState("w1")
	assert.Empty(t, ws.FailedNodes)
	assert.Equal(t, []string{"fetch"}, ws.ExecutedNodes)

	c.MarkNodeFailed("w1", "store", "disk full")
	c.MarkNodeSkipped("w1", "store")
	ws, _ = c.GetWorkflowState("w1")
	assert.Empty(t, ws.FailedNodes)
	assert.Equal(t, []string{"store"}, ws.SkippedNodes)

	snap := c.ExecutionSnapshot("w1")
	assert.Equal(t, []string{"fetch"}, snap["executed_nodes"])
}

func TestValidateDecisionUsesEngine(t *testing.T) {
	logger := zaptest.NewLogger(t)
	engine := rules.NewEngine()
	engine.AddRule(rules.RequiredFields("req-goal", 10, "goal"))
	c := New(Config{}, engine, nil, nil, logger)

	res := c.ValidateDecision(context.Background(), rules.Decision{
		Type:    "create_workflow_plan",
		Payload: map[string]any{},
	})
	assert.False(t, res.IsValid)

	res = c.ValidateDecision(context.Background(), rules.Decision{
		Type:    "create_workflow_plan",
		Payload: map[string]any{"goal": "build"},
	})
	assert.True(t, res.IsValid)
}

func TestGetSystemStatus(t *testing.T) {
	c, bus := newTestCoordinator(t, true)
	ctx := context.Background()

	bus.Publish(ctx, &events.WorkflowExecutionStarted{
		Envelope: events.NewEnvelope("workflow-agent", ""), WorkflowID: "w1", NodeCount: 1,
	})

	status := c.GetSystemStatus()
	assert.Equal(t, 1, status["workflows_tracked"])
	assert.Equal(t, 1, status["workflows_running"])
	assert.Equal(t, true, status["compression_enabled"])
	assert.GreaterOrEqual(t, status["uptime_seconds"].(float64), 0.0)
}
