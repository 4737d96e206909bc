// Package failure implements the Coordinator's per-node failure handling:
// retry with exponential backoff, skip, abort, or replan.
package failure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/ports"
)

const source = "failure-orchestrator"

// StateAccess is the slice of the Coordinator's workflow-state table the
// orchestrator mutates when applying a strategy.
type StateAccess interface {
	// MarkNodeRecovered removes the node from failed_nodes, appends it to
	// executed_nodes, and stores its output.
	MarkNodeRecovered(workflowID, nodeID string, output any)
	// MarkNodeSkipped records the node as skipped and non-blocking.
	MarkNodeSkipped(workflowID, nodeID string)
	// MarkNodeFailed records the node failure and its error message.
	MarkNodeFailed(workflowID, nodeID, errorMessage string)
	// ExecutionSnapshot returns executed_nodes, node_outputs, and
	// failed_nodes for replan context.
	ExecutionSnapshot(workflowID string) map[string]any
}

// Config tunes the orchestrator.
type Config struct {
	DefaultStrategy Strategy            `mapstructure:"default_strategy"`
	NodeStrategies  map[string]Strategy `mapstructure:"node_strategies"`
	MaxRetries      int                 `mapstructure:"max_retries"`
	BaseDelay       time.Duration       `mapstructure:"base_delay"`
	MaxDelay        time.Duration       `mapstructure:"max_delay"`
	Factor          float64             `mapstructure:"factor"`
	Jitter          float64             `mapstructure:"jitter"`
}

// DefaultConfig returns the documented defaults: RETRY with max_retries=3,
// base_delay=1s, max_delay=60s, factor=2, 10% jitter.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: StrategyRetry,
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		Factor:          2.0,
		Jitter:          0.1,
	}
}

// Result is the structured outcome of handling one node failure. Failures
// are reported here and as events, never as errors.
type Result struct {
	Success      bool   `json:"success"`
	Skipped      bool   `json:"skipped,omitempty"`
	Aborted      bool   `json:"aborted,omitempty"`
	AbortReason  string `json:"abort_reason,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`
}

// Orchestrator selects and applies a failure strategy per node.
type Orchestrator struct {
	cfg     Config
	logger  *zap.Logger
	bus     *eventbus.Bus
	state   StateAccess
	backoff *Backoff

	mu            sync.RWMutex
	overrides     map[string]Strategy
	workflowAgent ports.WorkflowAgent
}

// New builds a failure orchestrator bound to the bus and the Coordinator's
// state table.
func New(cfg Config, state StateAccess, bus *eventbus.Bus, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if !cfg.DefaultStrategy.Valid() {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Factor <= 0 {
		cfg.Factor = def.Factor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = def.Jitter
	}
	overrides := make(map[string]Strategy, len(cfg.NodeStrategies))
	for nodeID, s := range cfg.NodeStrategies {
		if s.Valid() {
			overrides[nodeID] = s
		}
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		state:     state,
		backoff:   NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Factor, cfg.Jitter),
		overrides: overrides,
	}
}

// RegisterWorkflowAgent wires the collaborator used by the RETRY strategy.
func (o *Orchestrator) RegisterWorkflowAgent(agent ports.WorkflowAgent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflowAgent = agent
}

// SetNodeStrategy installs or replaces a per-node strategy override.
func (o *Orchestrator) SetNodeStrategy(nodeID string, s Strategy) {
	if !s.Valid() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overrides[nodeID] = s
}

// StrategyFor resolves the strategy applied to a node.
func (o *Orchestrator) StrategyFor(nodeID string) Strategy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if s, ok := o.overrides[nodeID]; ok {
		return s
	}
	return o.cfg.DefaultStrategy
}

// HandleNodeFailure applies the node's strategy and publishes
// NodeFailureHandled with the outcome. Retry delays honor ctx cancellation.
func (o *Orchestrator) HandleNodeFailure(ctx context.Context, workflowID, nodeID string, code ErrorCode, errorMessage string) Result {
	strategy := o.StrategyFor(nodeID)
	o.logger.Info("Handling node failure",
		zap.String("workflow_id", workflowID),
		zap.String("node_id", nodeID),
		zap.String("error_code", string(code)),
		zap.String("strategy", string(strategy)),
	)

	var result Result
	switch strategy {
	case StrategyRetry:
		result = o.retry(ctx, workflowID, nodeID, code, errorMessage)
	case StrategySkip:
		result = o.skip(workflowID, nodeID)
	case StrategyAbort:
		result = o.abort(ctx, workflowID, nodeID, errorMessage)
	case StrategyReplan:
		result = o.replan(ctx, workflowID, nodeID, errorMessage)
	default:
		result = Result{Success: false, ErrorMessage: fmt.Sprintf("unknown strategy %q", strategy)}
	}

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	strategyOutcomes.WithLabelValues(string(strategy), outcome).Inc()

	if o.bus != nil {
		o.bus.Publish(ctx, &events.NodeFailureHandled{
			Envelope:   events.NewEnvelope(source, ""),
			WorkflowID: workflowID,
			NodeID:     nodeID,
			Strategy:   string(strategy),
			Success:    result.Success,
			RetryCount: result.RetryCount,
		})
	}
	return result
}

func (o *Orchestrator) retry(ctx context.Context, workflowID, nodeID string, code ErrorCode, errorMessage string) Result {
	if !code.IsRetryable() {
		o.logger.Info("Error code not retryable, giving up",
			zap.String("node_id", nodeID),
			zap.String("error_code", string(code)),
		)
		return Result{Success: false, ErrorMessage: errorMessage}
	}

	o.mu.RLock()
	agent := o.workflowAgent
	o.mu.RUnlock()
	if agent == nil {
		return Result{Success: false, ErrorMessage: "no workflow agent registered"}
	}

	lastErr := errorMessage
	for attempt := 0; attempt < o.cfg.MaxRetries; attempt++ {
		if err := o.wait(ctx, o.backoff.GetDelay(attempt)); err != nil {
			return Result{Success: false, ErrorMessage: err.Error(), RetryCount: attempt}
		}
		retryAttempts.WithLabelValues(workflowID).Inc()

		res, err := agent.ExecuteNodeWithResult(ctx, nodeID)
		if err != nil {
			lastErr = err.Error()
			o.logger.Warn("Retry attempt failed",
				zap.String("node_id", nodeID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		if !res.Success {
			lastErr = res.Error
			o.logger.Warn("Retry attempt returned failure",
				zap.String("node_id", nodeID),
				zap.Int("attempt", attempt+1),
				zap.String("error", res.Error),
			)
			continue
		}

		if o.state != nil {
			o.state.MarkNodeRecovered(workflowID, nodeID, res.Output)
		}
		o.logger.Info("Node recovered",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", nodeID),
			zap.Int("retry_count", attempt+1),
		)
		return Result{Success: true, RetryCount: attempt + 1}
	}
	return Result{
		Success:      false,
		ErrorMessage: fmt.Sprintf("retries exhausted after %d attempts: %s", o.cfg.MaxRetries, lastErr),
		RetryCount:   o.cfg.MaxRetries,
	}
}

func (o *Orchestrator) skip(workflowID, nodeID string) Result {
	if o.state != nil {
		o.state.MarkNodeSkipped(workflowID, nodeID)
	}
	return Result{Success: true, Skipped: true}
}

func (o *Orchestrator) abort(ctx context.Context, workflowID, nodeID, errorMessage string) Result {
	if o.state != nil {
		o.state.MarkNodeFailed(workflowID, nodeID, errorMessage)
	}
	if o.bus != nil {
		o.bus.Publish(ctx, &events.WorkflowAborted{
			Envelope:   events.NewEnvelope(source, ""),
			WorkflowID: workflowID,
			Reason:     errorMessage,
		})
	}
	return Result{Success: false, Aborted: true, AbortReason: errorMessage}
}

func (o *Orchestrator) replan(ctx context.Context, workflowID, nodeID, errorMessage string) Result {
	if o.state != nil {
		o.state.MarkNodeFailed(workflowID, nodeID, errorMessage)
	}
	var execContext map[string]any
	if o.state != nil {
		execContext = o.state.ExecutionSnapshot(workflowID)
	}
	if o.bus != nil {
		o.bus.Publish(ctx, &events.WorkflowAdjustmentRequested{
			Envelope:         events.NewEnvelope(source, ""),
			WorkflowID:       workflowID,
			FailedNodeID:     nodeID,
			FailureReason:    errorMessage,
			SuggestedAction:  events.ActionReplan,
			ExecutionContext: execContext,
		})
	}
	return Result{
		Success:      false,
		ErrorMessage: fmt.Sprintf("Replan requested: %s", errorMessage),
	}
}

// wait sleeps for d or until ctx is cancelled.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
