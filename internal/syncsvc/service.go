// Package syncsvc keeps the Conversation and Workflow agents in step:
// validated decisions flow forward to the Workflow agent, execution
// results flow back, and canvas edits are applied with version checks.
package syncsvc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/ports"
)

// Service is the bidirectional sync layer between the two agents.
type Service struct {
	workflowAgent     ports.WorkflowAgent
	conversationAgent ports.ConversationAgent
	logger            *zap.Logger

	mu                 sync.Mutex
	canvases           map[string]*CanvasState
	decisionsForwarded int64
}

// New builds a sync service. Either agent may be nil; the corresponding
// direction becomes a no-op.
func New(workflowAgent ports.WorkflowAgent, conversationAgent ports.ConversationAgent, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		workflowAgent:     workflowAgent,
		conversationAgent: conversationAgent,
		logger:            logger,
		canvases:          make(map[string]*CanvasState),
	}
}

// RegisterEventHandlers subscribes all three sync directions.
func (s *Service) RegisterEventHandlers(bus *eventbus.Bus) {
	bus.Subscribe(events.TypeDecisionValidated, s.onDecisionValidated)
	bus.Subscribe(events.TypeWorkflowExecutionCompleted, s.onWorkflowCompleted)
	bus.Subscribe(events.TypeNodeExecution, s.onNodeExecution)
	bus.Subscribe(events.TypeCanvasChange, s.onCanvasChange)
}

// onDecisionValidated forwards the decision payload to the Workflow
// agent with decision_type folded in.
func (s *Service) onDecisionValidated(ctx context.Context, ev events.Event) {
	dv, ok := ev.(*events.DecisionValidated)
	if !ok || s.workflowAgent == nil {
		return
	}

	decision := make(map[string]any, len(dv.Payload)+1)
	for k, v := range dv.Payload {
		decision[k] = v
	}
	decision["decision_type"] = dv.DecisionType

	if _, err := s.workflowAgent.HandleDecision(ctx, decision); err != nil {
		syncErrors.WithLabelValues("forward").Inc()
		s.logger.Error("Forwarding validated decision failed",
			zap.String("decision_type", dv.DecisionType),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	s.decisionsForwarded++
	s.mu.Unlock()
	decisionsForwarded.Inc()
}

func (s *Service) onWorkflowCompleted(ctx context.Context, ev events.Event) {
	done, ok := ev.(*events.WorkflowExecutionCompleted)
	if !ok || s.conversationAgent == nil {
		return
	}

	payload := map[string]any{
		"workflow_id": done.WorkflowID,
		"status":      done.Status,
		"result":      done.Result,
	}
	if err := s.conversationAgent.ReceiveExecutionResult(ctx, payload); err != nil {
		syncErrors.WithLabelValues("reverse").Inc()
		s.logger.Error("Delivering execution result failed",
			zap.String("workflow_id", done.WorkflowID),
			zap.Error(err),
		)
	}
}

func (s *Service) onNodeExecution(ctx context.Context, ev events.Event) {
	node, ok := ev.(*events.NodeExecutionEvent)
	if !ok || s.conversationAgent == nil {
		return
	}

	payload := map[string]any{
		"node_id":   node.NodeID,
		"node_type": node.NodeType,
		"status":    node.Status,
		"result":    node.Result,
	}
	if err := s.conversationAgent.ReceiveNodeStatus(ctx, payload); err != nil {
		syncErrors.WithLabelValues("reverse").Inc()
		s.logger.Error("Delivering node status failed",
			zap.String("node_id", node.NodeID),
			zap.Error(err),
		)
	}
}

// DecisionsForwarded returns the forward sync counter.
func (s *Service) DecisionsForwarded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisionsForwarded
}
