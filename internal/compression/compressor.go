package compression

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/evidence"
)

// Config controls segment extraction limits.
type Config struct {
	MaxSegmentLength int `mapstructure:"max_segment_length"`
	GoalMaxLength    int `mapstructure:"goal_max_length"`
	OutputSummaryMax int `mapstructure:"output_summary_max"`
}

// DefaultConfig returns the extraction limits used when no configuration
// is supplied.
func DefaultConfig() Config {
	return Config{
		MaxSegmentLength: 2000,
		GoalMaxLength:    100,
		OutputSummaryMax: 150,
	}
}

// Input is one raw payload to fold into a compressed context.
type Input struct {
	SourceType string
	WorkflowID string
	RawData    map[string]any
}

// Compressor turns raw conversation, execution, and reflection payloads
// into compressed contexts. When an evidence store is attached, the raw
// input is archived and its id recorded in the resulting context.
type Compressor struct {
	cfg    Config
	store  evidence.Store
	logger *zap.Logger
}

// NewCompressor builds a compressor. The store may be nil to disable
// evidence archiving.
func NewCompressor(cfg Config, store evidence.Store, logger *zap.Logger) *Compressor {
	if cfg.MaxSegmentLength <= 0 {
		cfg.MaxSegmentLength = DefaultConfig().MaxSegmentLength
	}
	if cfg.GoalMaxLength <= 0 {
		cfg.GoalMaxLength = DefaultConfig().GoalMaxLength
	}
	if cfg.OutputSummaryMax <= 0 {
		cfg.OutputSummaryMax = DefaultConfig().OutputSummaryMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{cfg: cfg, store: store, logger: logger}
}

// Compress extracts segments from one raw input and returns a version-1
// context for the workflow.
func (c *Compressor) Compress(ctx context.Context, in Input) (*CompressedContext, error) {
	start := time.Now()
	out := &CompressedContext{
		WorkflowID: in.WorkflowID,
		CreatedAt:  time.Now().UTC(),
		Version:    1,
	}

	switch in.SourceType {
	case SourceConversation:
		c.extractConversation(in.RawData, out)
	case SourceExecution:
		c.extractExecution(in.RawData, out)
	case SourceReflection:
		c.extractReflection(in.RawData, out)
	default:
		return nil, fmt.Errorf("unknown compression source type %q", in.SourceType)
	}

	if c.store != nil {
		id, err := c.store.Save(ctx, evidence.Record{
			WorkflowID: in.WorkflowID,
			SourceType: in.SourceType,
			Payload:    in.RawData,
		})
		if err != nil {
			// Archiving is best effort; the compressed context stands alone.
			c.logger.Warn("Failed to archive compression input",
				zap.String("workflow_id", in.WorkflowID),
				zap.String("source_type", in.SourceType),
				zap.Error(err),
			)
		} else {
			out.EvidenceRefs = append(out.EvidenceRefs, id)
		}
	}

	compressionDuration.WithLabelValues(in.SourceType).Observe(time.Since(start).Seconds())
	compressionsTotal.WithLabelValues(in.SourceType).Inc()
	return out, nil
}

// CompressAndMerge compresses the input and merges it onto the existing
// context. A nil existing context yields the fresh one at version 1.
func (c *Compressor) CompressAndMerge(ctx context.Context, existing *CompressedContext, in Input) (*CompressedContext, error) {
	fresh, err := c.Compress(ctx, in)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return fresh, nil
	}
	return Merge(existing, fresh), nil
}

func (c *Compressor) extractConversation(raw map[string]any, out *CompressedContext) {
	if goal, ok := raw["goal"].(string); ok && goal != "" {
		out.TaskGoal = truncate(goal, c.cfg.GoalMaxLength)
	}

	messages := asMapList(raw["messages"])
	var userParts []string
	for _, msg := range messages {
		role, _ := msg["role"].(string)
		content, _ := msg["content"].(string)
		if content == "" {
			continue
		}
		if role == "user" {
			if out.TaskGoal == "" {
				out.TaskGoal = truncate(content, c.cfg.GoalMaxLength)
			}
			userParts = append(userParts, content)
		}
	}
	if len(userParts) > 0 {
		out.ConversationSummary = truncate(joinLines(userParts), c.cfg.MaxSegmentLength)
	}

	if decisions := asMapList(raw["decisions"]); len(decisions) > 0 {
		out.DecisionHistory = decisions
	}
}

func (c *Compressor) extractExecution(raw map[string]any, out *CompressedContext) {
	status := map[string]any{}
	if s, ok := raw["workflow_status"].(string); ok && s != "" {
		status["status"] = s
	}
	if p, ok := asNumber(raw["progress"]); ok {
		status["progress"] = p
	}

	nodes := asMapList(raw["executed_nodes"])
	if len(nodes) == 0 {
		nodes = asMapList(raw["nodes"])
	}
	for _, node := range nodes {
		ns := NodeSummary{Status: "completed"}
		ns.NodeID, _ = node["node_id"].(string)
		if ns.NodeID == "" {
			ns.NodeID, _ = node["id"].(string)
		}
		if t, ok := node["node_type"].(string); ok {
			ns.Type = t
		} else if t, ok := node["type"].(string); ok {
			ns.Type = t
		}
		if s, ok := node["status"].(string); ok && s != "" {
			ns.Status = s
		}
		if output, ok := node["output"]; ok && output != nil {
			ns.OutputSummary = truncate(stringify(output), c.cfg.OutputSummaryMax)
		}
		if rc, ok := asNumber(node["retry_count"]); ok {
			ns.RetryCount = int(rc)
		}
		out.NodeSummary = append(out.NodeSummary, ns)

		if ns.Status == "failed" {
			entry := ErrorEntry{NodeID: ns.NodeID}
			entry.Error, _ = node["error"].(string)
			if entry.Error == "" {
				entry.Error = "node failed"
			}
			out.ErrorLog = append(out.ErrorLog, entry)
		}
	}

	if n, ok := asNumber(raw["nodes_completed"]); ok {
		status["nodes_completed"] = n
	} else if len(nodes) > 0 {
		completed := 0
		for _, ns := range out.NodeSummary {
			if ns.Status == "completed" {
				completed++
			}
		}
		status["nodes_completed"] = float64(completed)
	}
	if len(status) > 0 {
		out.ExecutionStatus = status
	}

	for _, e := range asMapList(raw["errors"]) {
		entry := ErrorEntry{}
		entry.NodeID, _ = e["node_id"].(string)
		entry.Error, _ = e["error"].(string)
		entry.Retryable, _ = e["retryable"].(bool)
		if entry.Error != "" {
			out.ErrorLog = append(out.ErrorLog, entry)
		}
	}

	var actions []string
	pending := asStringList(raw["pending_nodes"])
	for i, nodeID := range pending {
		if i >= 3 {
			break
		}
		actions = append(actions, "Execute node "+nodeID)
	}
	actions = append(actions, asStringList(raw["recommendations"])...)
	out.NextActions = capActions(dedupeStrings(actions))
}

func (c *Compressor) extractReflection(raw map[string]any, out *CompressedContext) {
	r := ReflectionSummary{}
	r.Assessment, _ = raw["assessment"].(string)
	if conf, ok := asNumber(raw["confidence"]); ok {
		r.Confidence = conf
	}
	r.ShouldRetry, _ = raw["should_retry"].(bool)
	r.Issues = asStringList(raw["issues"])
	r.Recommendations = asStringList(raw["recommendations"])
	out.Reflection = r

	out.NextActions = capActions(dedupeStrings(r.Recommendations))
	for _, issue := range r.Issues {
		out.ErrorLog = append(out.ErrorLog, ErrorEntry{Error: issue, Retryable: r.ShouldRetry})
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func joinLines(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asMapList(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func asStringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
