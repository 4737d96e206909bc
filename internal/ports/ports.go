// Package ports declares the narrow contracts the coordination core depends
// on. LLM invocation, node execution, knowledge retrieval, and tool storage
// are external collaborators; the core only sees these interfaces.
package ports

import "context"

// ExecutionResult is the outcome of executing a single workflow node.
type ExecutionResult struct {
	NodeID  string `json:"node_id"`
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WorkflowAgent executes validated decisions and individual nodes.
type WorkflowAgent interface {
	// HandleDecision applies a validated decision. The payload carries
	// decision_type plus the decision's fields.
	HandleDecision(ctx context.Context, decision map[string]any) (map[string]any, error)
	// ExecuteNodeWithResult re-executes one node, typically during a retry
	// loop after a failure.
	ExecuteNodeWithResult(ctx context.Context, nodeID string) (ExecutionResult, error)
}

// ConversationAgent receives workflow outcomes pushed by the reverse sync
// channel.
type ConversationAgent interface {
	ReceiveExecutionResult(ctx context.Context, payload map[string]any) error
	ReceiveNodeStatus(ctx context.Context, payload map[string]any) error
	// ReplanWorkflow produces a new plan from prior successful outputs.
	ReplanWorkflow(ctx context.Context, originalGoal, failedNodeID, failureReason string, executionContext map[string]any) (map[string]any, error)
	// UpdateCanvasState writes the applied canvas view into the agent's
	// session context.
	UpdateCanvasState(canvas map[string]any)
}

// KnowledgeRetriever answers the three query shapes used by the knowledge
// orchestrator. Each returned reference carries at least source_id, title,
// content_preview, and relevance_score.
type KnowledgeRetriever interface {
	RetrieveByQuery(ctx context.Context, query, workflowID string, topK int) ([]map[string]any, error)
	RetrieveByError(ctx context.Context, errorType, errorMessage string, topK int) ([]map[string]any, error)
	RetrieveByGoal(ctx context.Context, goalText, workflowID string, topK int) ([]map[string]any, error)
}

// Tool is a catalog entry exposed by the tool repository.
type Tool struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Published   bool           `json:"published"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToolRepository provides read access to the tool catalog.
type ToolRepository interface {
	FindAll(ctx context.Context) ([]Tool, error)
	FindPublished(ctx context.Context) ([]Tool, error)
	FindByTags(ctx context.Context, tags []string) ([]Tool, error)
}

// LLM is the reasoning port used only by the Conversation agent.
type LLM interface {
	Think(ctx context.Context, reasoning map[string]any) (string, error)
	DecideAction(ctx context.Context, reasoning map[string]any) (map[string]any, error)
	ShouldContinue(ctx context.Context, reasoning map[string]any) (bool, error)
}

// WorkflowPlanner is the optional planning upgrade of the LLM port.
type WorkflowPlanner interface {
	PlanWorkflow(ctx context.Context, goal string) (map[string]any, error)
	ReplanWorkflow(ctx context.Context, goal, failedNodeID, failureReason string, executionContext map[string]any) (map[string]any, error)
}

// ErrorRecoveryPlanner is the optional recovery upgrade of the LLM port.
type ErrorRecoveryPlanner interface {
	PlanErrorRecovery(ctx context.Context, recovery map[string]any) (map[string]any, error)
}
