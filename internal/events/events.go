// Package events defines the typed event envelope and every concrete event
// exchanged between the Conversation, Coordinator, and Workflow agents.
//
// Each event embeds an Envelope carrying a generated id, a UTC timestamp,
// the publisher tag, and an optional correlation id linking the event to the
// decision chain that produced it. Events are immutable once published.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stable event type names. These are wire-level identifiers: subscribers
// register against them and the audit log records them.
const (
	TypeDecisionMade                = "DecisionMade"
	TypeDecisionValidated           = "DecisionValidated"
	TypeDecisionRejected            = "DecisionRejected"
	TypeWorkflowExecutionStarted    = "WorkflowExecutionStarted"
	TypeWorkflowExecutionCompleted  = "WorkflowExecutionCompleted"
	TypeNodeExecution               = "NodeExecutionEvent"
	TypeWorkflowReflectionCompleted = "WorkflowReflectionCompleted"
	TypeStateChanged                = "StateChanged"
	TypeSpawnSubAgent               = "SpawnSubAgent"
	TypeSubAgentCompleted           = "SubAgentCompleted"
	TypeWorkflowAdjustmentRequested = "WorkflowAdjustmentRequested"
	TypeWorkflowAborted             = "WorkflowAborted"
	TypeNodeFailureHandled          = "NodeFailureHandled"
	TypeCanvasChange                = "CanvasChange"
	TypeSimpleMessage               = "SimpleMessage"
)

// Node execution statuses carried by NodeExecutionEvent.
const (
	NodeStatusRunning   = "running"
	NodeStatusCompleted = "completed"
	NodeStatusFailed    = "failed"
	NodeStatusSkipped   = "skipped"
)

// Suggested actions carried by WorkflowAdjustmentRequested.
const (
	ActionRetry  = "retry"
	ActionSkip   = "skip"
	ActionAbort  = "abort"
	ActionReplan = "replan"
)

// Canvas change types.
const (
	CanvasNodeAdded   = "node_added"
	CanvasNodeUpdated = "node_updated"
	CanvasNodeDeleted = "node_deleted"
	CanvasNodeMoved   = "node_moved"
	CanvasEdgeAdded   = "edge_added"
	CanvasEdgeDeleted = "edge_deleted"
)

// Sub-agent variants observed in task payloads. Execution semantics live
// outside the coordination core.
const (
	SubAgentSearch         = "search"
	SubAgentMCP            = "mcp"
	SubAgentPythonExecutor = "python_executor"
	SubAgentDataProcessor  = "data_processor"
)

// Event is implemented by every concrete event type.
type Event interface {
	// Type returns the stable type name used for subscription routing.
	Type() string
	// Meta returns the shared envelope.
	Meta() *Envelope
}

// Envelope is the shared header embedded in every event.
type Envelope struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewEnvelope stamps a fresh envelope for a publisher. The id is a random
// 128-bit identifier in hyphenated hex form; the timestamp is UTC with
// microsecond precision.
func NewEnvelope(source, correlationID string) Envelope {
	return Envelope{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		Source:        source,
		CorrelationID: correlationID,
	}
}

// Meta implements Event for any type embedding Envelope.
func (e *Envelope) Meta() *Envelope { return e }

// DecisionMade is the Conversation agent's output: a structured request to
// act on the workflow, pending Coordinator validation.
type DecisionMade struct {
	Envelope
	DecisionType string         `json:"decision_type"`
	Payload      map[string]any `json:"payload"`
}

func (*DecisionMade) Type() string { return TypeDecisionMade }

// DecisionValidated is published by the policy chain when a supervised
// decision passes every rule.
type DecisionValidated struct {
	Envelope
	OriginalDecisionID string         `json:"original_decision_id"`
	DecisionType       string         `json:"decision_type"`
	Payload            map[string]any `json:"payload"`
}

func (*DecisionValidated) Type() string { return TypeDecisionValidated }

// DecisionRejected is published when a supervised decision fails validation.
// Reason is the human-readable join of the individual rule errors.
type DecisionRejected struct {
	Envelope
	OriginalDecisionID string         `json:"original_decision_id"`
	DecisionType       string         `json:"decision_type"`
	Reason             string         `json:"reason"`
	Errors             []string       `json:"errors"`
	Payload            map[string]any `json:"payload,omitempty"`
}

func (*DecisionRejected) Type() string { return TypeDecisionRejected }

// WorkflowExecutionStarted marks the beginning of a workflow run.
type WorkflowExecutionStarted struct {
	Envelope
	WorkflowID string `json:"workflow_id"`
	NodeCount  int    `json:"node_count"`
}

func (*WorkflowExecutionStarted) Type() string { return TypeWorkflowExecutionStarted }

// WorkflowExecutionCompleted carries the terminal result of a workflow run.
type WorkflowExecutionCompleted struct {
	Envelope
	WorkflowID       string           `json:"workflow_id"`
	Status           string           `json:"status"`
	Result           map[string]any   `json:"result,omitempty"`
	FinalResult      any              `json:"final_result,omitempty"`
	ExecutionLog     []map[string]any `json:"execution_log,omitempty"`
	ExecutionSummary map[string]any   `json:"execution_summary,omitempty"`
	Error            string           `json:"error,omitempty"`
}

func (*WorkflowExecutionCompleted) Type() string { return TypeWorkflowExecutionCompleted }

// NodeExecutionEvent reports a single node lifecycle transition.
type NodeExecutionEvent struct {
	Envelope
	WorkflowID string         `json:"workflow_id"`
	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type"`
	Status     string         `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

func (*NodeExecutionEvent) Type() string { return TypeNodeExecution }

// WorkflowReflectionCompleted carries the reflection verdict for a run.
type WorkflowReflectionCompleted struct {
	Envelope
	WorkflowID      string   `json:"workflow_id"`
	Assessment      string   `json:"assessment"`
	Confidence      float64  `json:"confidence"`
	ShouldRetry     bool     `json:"should_retry"`
	Recommendations []string `json:"recommendations,omitempty"`
}

func (*WorkflowReflectionCompleted) Type() string { return TypeWorkflowReflectionCompleted }

// StateChanged reports a Conversation agent state transition.
type StateChanged struct {
	Envelope
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	SessionID string `json:"session_id"`
}

func (*StateChanged) Type() string { return TypeStateChanged }

// SpawnSubAgent asks the scheduler to run a sub-agent on behalf of the
// Conversation agent.
type SpawnSubAgent struct {
	Envelope
	SubAgentType    string         `json:"subagent_type"`
	TaskPayload     map[string]any `json:"task_payload"`
	Priority        int            `json:"priority"`
	SessionID       string         `json:"session_id"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
}

func (*SpawnSubAgent) Type() string { return TypeSpawnSubAgent }

// SubAgentCompleted reports a finished sub-agent task.
type SubAgentCompleted struct {
	Envelope
	SubAgentID    string  `json:"subagent_id"`
	SubAgentType  string  `json:"subagent_type"`
	SessionID     string  `json:"session_id"`
	Success       bool    `json:"success"`
	Result        any     `json:"result,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

func (*SubAgentCompleted) Type() string { return TypeSubAgentCompleted }

// WorkflowAdjustmentRequested asks the Conversation agent to replan around a
// failed node. ExecutionContext carries the successful outputs the replan can
// reuse.
type WorkflowAdjustmentRequested struct {
	Envelope
	WorkflowID       string         `json:"workflow_id"`
	FailedNodeID     string         `json:"failed_node_id"`
	FailureReason    string         `json:"failure_reason"`
	SuggestedAction  string         `json:"suggested_action"`
	ExecutionContext map[string]any `json:"execution_context,omitempty"`
}

func (*WorkflowAdjustmentRequested) Type() string { return TypeWorkflowAdjustmentRequested }

// WorkflowAborted reports a workflow terminated by the ABORT strategy.
type WorkflowAborted struct {
	Envelope
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason"`
}

func (*WorkflowAborted) Type() string { return TypeWorkflowAborted }

// NodeFailureHandled reports the outcome of a failure-strategy application
// so downstream consumers (SSE, audit) observe the decision.
type NodeFailureHandled struct {
	Envelope
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id"`
	Strategy   string `json:"strategy"`
	Success    bool   `json:"success"`
	RetryCount int    `json:"retry_count"`
}

func (*NodeFailureHandled) Type() string { return TypeNodeFailureHandled }

// CanvasChange reports a structural edit to the workflow canvas. Version is
// the client's view of the canvas version at edit time.
type CanvasChange struct {
	Envelope
	WorkflowID string         `json:"workflow_id"`
	ChangeType string         `json:"change_type"`
	ChangeData map[string]any `json:"change_data"`
	ClientID   string         `json:"client_id"`
	Version    int64          `json:"version"`
}

func (*CanvasChange) Type() string { return TypeCanvasChange }

// SimpleMessage is an opaque payload event; the core routes it without
// interpreting its fields.
type SimpleMessage struct {
	Envelope
	Payload map[string]any `json:"payload,omitempty"`
}

func (*SimpleMessage) Type() string { return TypeSimpleMessage }

// wireEvent is the tagged wire form used by Marshal/Decode.
type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal renders an event as a type-tagged JSON document for logs and
// debug endpoints.
func Marshal(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return json.Marshal(wireEvent{Type: ev.Type(), Data: data})
}

// Decode parses a type-tagged JSON document produced by Marshal.
func Decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode wire envelope: %w", err)
	}
	ev, err := newByType(w.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(w.Data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", w.Type, err)
	}
	return ev, nil
}

func newByType(t string) (Event, error) {
	switch t {
	case TypeDecisionMade:
		return &DecisionMade{}, nil
	case TypeDecisionValidated:
		return &DecisionValidated{}, nil
	case TypeDecisionRejected:
		return &DecisionRejected{}, nil
	case TypeWorkflowExecutionStarted:
		return &WorkflowExecutionStarted{}, nil
	case TypeWorkflowExecutionCompleted:
		return &WorkflowExecutionCompleted{}, nil
	case TypeNodeExecution:
		return &NodeExecutionEvent{}, nil
	case TypeWorkflowReflectionCompleted:
		return &WorkflowReflectionCompleted{}, nil
	case TypeStateChanged:
		return &StateChanged{}, nil
	case TypeSpawnSubAgent:
		return &SpawnSubAgent{}, nil
	case TypeSubAgentCompleted:
		return &SubAgentCompleted{}, nil
	case TypeWorkflowAdjustmentRequested:
		return &WorkflowAdjustmentRequested{}, nil
	case TypeWorkflowAborted:
		return &WorkflowAborted{}, nil
	case TypeNodeFailureHandled:
		return &NodeFailureHandled{}, nil
	case TypeCanvasChange:
		return &CanvasChange{}, nil
	case TypeSimpleMessage:
		return &SimpleMessage{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
