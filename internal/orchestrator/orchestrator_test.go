package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/failure"
	"github.com/loomworks/loom/internal/ports"
	"github.com/loomworks/loom/internal/rules"
)

type stubWorkflowAgent struct {
	mu        sync.Mutex
	decisions []map[string]any
}

func (s *stubWorkflowAgent) HandleDecision(ctx context.Context, decision map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, decision)
	return map[string]any{"node_id": "n1"}, nil
}

func (s *stubWorkflowAgent) ExecuteNodeWithResult(ctx context.Context, nodeID string) (ports.ExecutionResult, error) {
	return ports.ExecutionResult{NodeID: nodeID, Success: true, Output: "ok"}, nil
}

type stubConversationAgent struct {
	mu          sync.Mutex
	execResults []map[string]any
	nodeStatus  []map[string]any
	canvas      map[string]any
}

func (s *stubConversationAgent) ReceiveExecutionResult(ctx context.Context, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execResults = append(s.execResults, payload)
	return nil
}

func (s *stubConversationAgent) ReceiveNodeStatus(ctx context.Context, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeStatus = append(s.nodeStatus, payload)
	return nil
}

func (s *stubConversationAgent) ReplanWorkflow(ctx context.Context, originalGoal, failedNodeID, failureReason string, executionContext map[string]any) (map[string]any, error) {
	return map[string]any{"replanned": true}, nil
}

func (s *stubConversationAgent) UpdateCanvasState(canvas map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvas = canvas
}

func defaultConfig(t *testing.T) *config.Config {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Failure.BaseDelay = time.Millisecond
	cfg.Failure.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newSystem(t *testing.T) (*System, *stubWorkflowAgent, *stubConversationAgent) {
	wf := &stubWorkflowAgent{}
	conv := &stubConversationAgent{}
	sys, err := New(defaultConfig(t), Options{
		WorkflowAgent:     wf,
		ConversationAgent: conv,
		SessionID:         "sess1",
		Logger:            zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return sys, wf, conv
}

func TestValidDecisionFlowsToWorkflowAgent(t *testing.T) {
	sys, wf, _ := newSystem(t)

	sys.Bus.Publish(context.Background(), &events.DecisionMade{
		Envelope:     events.NewEnvelope("conversation-agent", "c1"),
		DecisionType: "create_node",
		Payload:      map[string]any{"node_type": "api_request"},
	})

	require.Len(t, wf.decisions, 1)
	assert.Equal(t, "create_node", wf.decisions[0]["decision_type"])
	assert.Equal(t, int64(1), sys.Sync.DecisionsForwarded())
}

func TestRejectedDecisionNeverReachesWorkflowAgent(t *testing.T) {
	sys, wf, _ := newSystem(t)
	sys.Rules.AddRule(rules.RequiredFields("node-needs-type", 10, "node_type"))

	var rejected *events.DecisionRejected
	sys.Bus.Subscribe(events.TypeDecisionRejected, func(ctx context.Context, ev events.Event) {
		rejected = ev.(*events.DecisionRejected)
	})

	sys.Bus.Publish(context.Background(), &events.DecisionMade{
		Envelope:     events.NewEnvelope("conversation-agent", "c2"),
		DecisionType: "create_node",
		Payload:      map[string]any{},
	})

	assert.Empty(t, wf.decisions)
	require.NotNil(t, rejected)
	assert.Contains(t, rejected.Reason, "node_type")
}

func TestExecutionResultsFlowBack(t *testing.T) {
	sys, _, conv := newSystem(t)
	ctx := context.Background()

	sys.Bus.Publish(ctx, &events.WorkflowExecutionStarted{
		Envelope: events.NewEnvelope("workflow-agent", ""), WorkflowID: "w1", NodeCount: 1,
	})
	sys.Bus.Publish(ctx, &events.NodeExecutionEvent{
		Envelope:   events.NewEnvelope("workflow-agent", ""),
		WorkflowID: "w1", NodeID: "fetch", NodeType: "api_request",
		Status: events.NodeStatusCompleted, Result: "rows",
	})
	sys.Bus.Publish(ctx, &events.WorkflowExecutionCompleted{
		Envelope: events.NewEnvelope("workflow-agent", ""), WorkflowID: "w1", Status: "completed",
	})

	require.Len(t, conv.nodeStatus, 1)
	require.Len(t, conv.execResults, 1)

	// The coordinator folded the same events into a compressed context.
	cc, ok := sys.Coordinator.GetCompressedContext("w1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, cc.Version, 2)

	ws, ok := sys.Coordinator.GetWorkflowState("w1")
	require.True(t, ok)
	assert.Equal(t, []string{"fetch"}, ws.ExecutedNodes)
}

func TestFailureOrchestrationRetriesThroughAgent(t *testing.T) {
	sys, _, _ := newSystem(t)
	ctx := context.Background()

	sys.Bus.Publish(ctx, &events.WorkflowExecutionStarted{
		Envelope: events.NewEnvelope("workflow-agent", ""), WorkflowID: "w1", NodeCount: 1,
	})
	sys.Bus.Publish(ctx, &events.NodeExecutionEvent{
		Envelope:   events.NewEnvelope("workflow-agent", ""),
		WorkflowID: "w1", NodeID: "fetch", Status: events.NodeStatusFailed, Error: "timeout",
	})

	res := sys.Failure.HandleNodeFailure(ctx, "w1", "fetch", failure.CodeTimeout, "timeout")
	assert.True(t, res.Success)

	ws, _ := sys.Coordinator.GetWorkflowState("w1")
	assert.Empty(t, ws.FailedNodes)
	assert.Contains(t, ws.ExecutedNodes, "fetch")
}

func TestStatsAggregation(t *testing.T) {
	sys, _, _ := newSystem(t)
	ctx := context.Background()

	sys.Bus.Publish(ctx, &events.DecisionMade{
		Envelope:     events.NewEnvelope("conversation-agent", "c1"),
		DecisionType: "create_node",
		Payload:      map[string]any{"node_type": "api_request"},
	})
	sys.Bus.Publish(ctx, &events.SimpleMessage{
		Envelope: events.NewEnvelope("conversation-agent", ""),
		Payload:  map[string]any{"text": "hi"},
	})

	stats := sys.Stats()
	byType := stats["events_by_type"].(map[string]uint64)
	assert.Equal(t, uint64(1), byType[events.TypeDecisionMade])
	assert.Equal(t, uint64(1), byType[events.TypeSimpleMessage])
	// DecisionValidated from the policy chain is counted too.
	assert.Equal(t, uint64(1), byType[events.TypeDecisionValidated])
	assert.GreaterOrEqual(t, stats["events_total"].(uint64), uint64(3))
}

func TestApplyConfigHotReload(t *testing.T) {
	sys, wf, _ := newSystem(t)

	cfg := defaultConfig(t)
	cfg.Policy.SupervisedTypes = []string{"tool_call"}
	cfg.Failure.NodeStrategies = map[string]string{"fetch": "skip"}
	require.NoError(t, sys.ApplyConfig(cfg))

	// create_node is no longer supervised and passes through unchecked.
	assert.False(t, sys.Policy.IsSupervised("create_node"))
	assert.True(t, sys.Policy.IsSupervised("tool_call"))
	assert.Equal(t, failure.StrategySkip, sys.Failure.StrategyFor("fetch"))

	sys.Bus.Publish(context.Background(), &events.DecisionMade{
		Envelope:     events.NewEnvelope("conversation-agent", "c9"),
		DecisionType: "create_node",
		Payload:      map[string]any{},
	})
	// Unsupervised decisions are not forwarded; forward sync only reacts
	// to DecisionValidated.
	assert.Empty(t, wf.decisions)
}

func TestApplyConfigRejectsBadStrategy(t *testing.T) {
	sys, _, _ := newSystem(t)
	cfg := defaultConfig(t)
	cfg.Failure.NodeStrategies = map[string]string{"fetch": "explode"}
	assert.Error(t, sys.ApplyConfig(cfg))
}

func TestAuditTrailCapturesFlow(t *testing.T) {
	sys, _, _ := newSystem(t)

	sys.Bus.Publish(context.Background(), &events.DecisionMade{
		Envelope:     events.NewEnvelope("conversation-agent", "c1"),
		DecisionType: "create_node",
		Payload:      map[string]any{"node_type": "api_request"},
	})

	log := sys.Bus.AuditLog()
	require.NotEmpty(t, log)
	types := make([]string, 0, len(log))
	for _, entry := range log {
		types = append(types, entry.Type)
	}
	assert.Contains(t, types, events.TypeDecisionValidated)
	assert.Contains(t, types, events.TypeDecisionMade)
}
