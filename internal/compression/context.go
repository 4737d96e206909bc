// Package compression folds raw conversation, execution, and reflection
// inputs into the nine-segment compressed context the Conversation agent
// consumes instead of replaying raw history.
package compression

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Segment source types.
const (
	SourceConversation = "conversation"
	SourceExecution    = "execution"
	SourceReflection   = "reflection"
)

// NodeSummary is one per-node line of the node_summary segment.
type NodeSummary struct {
	NodeID        string `json:"node_id"`
	Type          string `json:"type,omitempty"`
	Status        string `json:"status,omitempty"`
	OutputSummary string `json:"output_summary,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`
}

// ErrorEntry is one line of the append-only error_log segment.
type ErrorEntry struct {
	NodeID    string `json:"node_id,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// ReflectionSummary carries the lifted keys of a reflection verdict.
type ReflectionSummary struct {
	Assessment      string   `json:"assessment,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	ShouldRetry     bool     `json:"should_retry,omitempty"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// IsZero reports whether no reflection has been recorded.
func (r ReflectionSummary) IsZero() bool {
	return r.Assessment == "" && r.Confidence == 0 && !r.ShouldRetry &&
		len(r.Issues) == 0 && len(r.Recommendations) == 0
}

// CompressedContext is the nine-segment structured summary for one
// workflow. Merge never mutates; it returns a fresh record with a higher
// version.
type CompressedContext struct {
	WorkflowID string `json:"workflow_id"`

	TaskGoal            string            `json:"task_goal,omitempty"`
	ExecutionStatus     map[string]any    `json:"execution_status,omitempty"`
	NodeSummary         []NodeSummary     `json:"node_summary,omitempty"`
	DecisionHistory     []map[string]any  `json:"decision_history,omitempty"`
	Reflection          ReflectionSummary `json:"reflection_summary,omitempty"`
	ConversationSummary string            `json:"conversation_summary,omitempty"`
	ErrorLog            []ErrorEntry      `json:"error_log,omitempty"`
	NextActions         []string          `json:"next_actions,omitempty"`
	KnowledgeReferences []map[string]any  `json:"knowledge_references,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	Version      int       `json:"version"`
	EvidenceRefs []string  `json:"evidence_refs,omitempty"`
}

const maxNextActions = 5

// Merge combines an existing context with a freshly compressed one,
// following the per-segment rules: newest non-empty scalar wins, node
// summaries merge by node id (new wins), decision history and error log
// append, knowledge references carry over from the existing context.
func Merge(existing, fresh *CompressedContext) *CompressedContext {
	if existing == nil {
		return fresh
	}
	if fresh == nil {
		clone := *existing
		clone.Version = existing.Version + 1
		return &clone
	}

	out := &CompressedContext{
		WorkflowID:   existing.WorkflowID,
		CreatedAt:    time.Now().UTC(),
		Version:      existing.Version + 1,
		EvidenceRefs: appendCopy(existing.EvidenceRefs, fresh.EvidenceRefs...),
	}

	out.TaskGoal = pickNonEmpty(fresh.TaskGoal, existing.TaskGoal)
	out.ConversationSummary = pickNonEmpty(fresh.ConversationSummary, existing.ConversationSummary)

	if len(fresh.ExecutionStatus) > 0 {
		out.ExecutionStatus = fresh.ExecutionStatus
	} else {
		out.ExecutionStatus = existing.ExecutionStatus
	}

	out.NodeSummary = mergeNodeSummaries(existing.NodeSummary, fresh.NodeSummary)
	out.DecisionHistory = appendCopy(existing.DecisionHistory, fresh.DecisionHistory...)
	out.ErrorLog = appendCopy(existing.ErrorLog, fresh.ErrorLog...)

	if !fresh.Reflection.IsZero() {
		out.Reflection = fresh.Reflection
	} else {
		out.Reflection = existing.Reflection
	}

	if len(fresh.NextActions) > 0 {
		out.NextActions = capActions(fresh.NextActions)
	} else {
		out.NextActions = existing.NextActions
	}

	// The knowledge orchestrator maintains references separately.
	out.KnowledgeReferences = existing.KnowledgeReferences
	return out
}

// mergeNodeSummaries merges by node id: existing order first, new entries
// appended, and new data wins on conflict.
func mergeNodeSummaries(existing, fresh []NodeSummary) []NodeSummary {
	if len(fresh) == 0 {
		return existing
	}
	byID := make(map[string]NodeSummary, len(fresh))
	for _, ns := range fresh {
		byID[ns.NodeID] = ns
	}
	out := make([]NodeSummary, 0, len(existing)+len(fresh))
	seen := make(map[string]struct{}, len(existing))
	for _, ns := range existing {
		if updated, ok := byID[ns.NodeID]; ok {
			out = append(out, updated)
		} else {
			out = append(out, ns)
		}
		seen[ns.NodeID] = struct{}{}
	}
	for _, ns := range fresh {
		if _, ok := seen[ns.NodeID]; !ok {
			out = append(out, ns)
			seen[ns.NodeID] = struct{}{}
		}
	}
	return out
}

// WithKnowledgeRefs returns a copy of the context with refs merged in,
// de-duplicated by source_id keeping the higher relevance score.
func (c *CompressedContext) WithKnowledgeRefs(refs []map[string]any) *CompressedContext {
	clone := *c
	merged := make([]map[string]any, 0, len(c.KnowledgeReferences)+len(refs))
	index := make(map[string]int)
	for _, ref := range c.KnowledgeReferences {
		sid, _ := ref["source_id"].(string)
		index[sid] = len(merged)
		merged = append(merged, ref)
	}
	for _, ref := range refs {
		sid, _ := ref["source_id"].(string)
		if pos, ok := index[sid]; ok {
			if relevance(ref) > relevance(merged[pos]) {
				merged[pos] = ref
			}
			continue
		}
		index[sid] = len(merged)
		merged = append(merged, ref)
	}
	clone.KnowledgeReferences = merged
	return &clone
}

func relevance(ref map[string]any) float64 {
	switch v := ref["relevance_score"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// ToDict renders the context as a plain map, the wire-neutral form used by
// snapshots and debug endpoints.
func (c *CompressedContext) ToDict() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal compressed context: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal compressed context: %w", err)
	}
	return out, nil
}

// FromDict reverses ToDict.
func FromDict(m map[string]any) (*CompressedContext, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal context dict: %w", err)
	}
	var out CompressedContext
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal context dict: %w", err)
	}
	return &out, nil
}

// ToSummaryText renders the present segments as one pipe-separated line
// for human-readable logs.
func (c *CompressedContext) ToSummaryText() string {
	var parts []string
	if c.TaskGoal != "" {
		parts = append(parts, "goal: "+c.TaskGoal)
	}
	if status, ok := c.ExecutionStatus["status"].(string); ok && status != "" {
		parts = append(parts, "status: "+status)
	}
	if len(c.NodeSummary) > 0 {
		parts = append(parts, fmt.Sprintf("nodes: %d", len(c.NodeSummary)))
	}
	if len(c.DecisionHistory) > 0 {
		parts = append(parts, fmt.Sprintf("decisions: %d", len(c.DecisionHistory)))
	}
	if !c.Reflection.IsZero() {
		parts = append(parts, fmt.Sprintf("reflection: %s (%.2f)", c.Reflection.Assessment, c.Reflection.Confidence))
	}
	if c.ConversationSummary != "" {
		parts = append(parts, "conversation: "+truncate(c.ConversationSummary, 60))
	}
	if len(c.ErrorLog) > 0 {
		parts = append(parts, fmt.Sprintf("errors: %d", len(c.ErrorLog)))
	}
	if len(c.NextActions) > 0 {
		parts = append(parts, "next: "+strings.Join(c.NextActions, "; "))
	}
	if len(c.KnowledgeReferences) > 0 {
		parts = append(parts, fmt.Sprintf("refs: %d", len(c.KnowledgeReferences)))
	}
	return strings.Join(parts, " | ")
}

func pickNonEmpty(fresh, existing string) string {
	if fresh != "" {
		return fresh
	}
	return existing
}

func capActions(actions []string) []string {
	if len(actions) <= maxNextActions {
		return actions
	}
	return actions[:maxNextActions]
}

func appendCopy[T any](existing []T, more ...T) []T {
	out := make([]T, 0, len(existing)+len(more))
	out = append(out, existing...)
	out = append(out, more...)
	return out
}

// truncate cuts s at n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
