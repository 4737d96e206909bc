// Package policy implements the Coordinator's gating chain: supervised
// decision types are routed through the rule engine before they may act on
// the workflow. The chain deduplicates by (type, correlation id, decision
// id) and fails closed when the Coordinator or the bus is missing.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/rules"
	"github.com/loomworks/loom/internal/tracing"
)

// DefaultSupervisedTypes is the default set of decision types that must
// pass validation before acting.
var DefaultSupervisedTypes = []string{
	"api_request",
	"create_node",
	"file_operation",
	"human_interaction",
	"tool_call",
}

const (
	defaultRejectionRateThreshold = 0.5
	defaultSamplingFloor          = 10
)

// Validator is the narrow slice of the Coordinator the chain depends on.
type Validator interface {
	ValidateDecision(ctx context.Context, d rules.Decision) rules.ValidationResult
}

// CoordinatorRejected is returned when a supervised decision fails
// validation or when fail-closed triggers with missing infrastructure.
type CoordinatorRejected struct {
	DecisionType       string
	CorrelationID      string
	OriginalDecisionID string
	Errors             []string
}

func (e *CoordinatorRejected) Error() string {
	return fmt.Sprintf("decision %q rejected: %s", e.DecisionType, strings.Join(e.Errors, "; "))
}

// Config tunes the chain.
type Config struct {
	SupervisedTypes        []string `mapstructure:"supervised_types"`
	FailClosed             bool     `mapstructure:"fail_closed"`
	RejectionRateThreshold float64  `mapstructure:"rejection_rate_threshold"`
	SamplingFloor          int      `mapstructure:"sampling_floor"`
}

// DefaultConfig returns the chain defaults: fail-closed, default supervised
// set, 0.5 rejection-rate threshold with a floor of 10 observations.
func DefaultConfig() Config {
	return Config{
		SupervisedTypes:        append([]string(nil), DefaultSupervisedTypes...),
		FailClosed:             true,
		RejectionRateThreshold: defaultRejectionRateThreshold,
		SamplingFloor:          defaultSamplingFloor,
	}
}

type dedupeKey struct {
	decisionType  string
	correlationID string
	decisionID    string
}

// Stats summarizes chain activity.
type Stats struct {
	Total         int64   `json:"total"`
	Passed        int64   `json:"passed"`
	Rejected      int64   `json:"rejected"`
	RejectionRate float64 `json:"rejection_rate"`
}

// Chain gates supervised decisions. It can be invoked directly via
// EnforceAction or installed on the bus as middleware intercepting
// DecisionMade events.
type Chain struct {
	cfg       Config
	logger    *zap.Logger
	validator Validator
	bus       *eventbus.Bus

	mu         sync.Mutex
	supervised map[string]struct{}
	seen       map[dedupeKey]struct{}
	total      int64
	passed     int64
	rejected   int64
}

// NewChain builds a policy chain. Either validator or bus may be nil; the
// chain then fails closed (or passes through, per config) on supervised
// decisions.
func NewChain(cfg Config, validator Validator, bus *eventbus.Bus, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.SupervisedTypes) == 0 {
		cfg.SupervisedTypes = append([]string(nil), DefaultSupervisedTypes...)
	}
	if cfg.RejectionRateThreshold <= 0 {
		cfg.RejectionRateThreshold = defaultRejectionRateThreshold
	}
	if cfg.SamplingFloor <= 0 {
		cfg.SamplingFloor = defaultSamplingFloor
	}
	c := &Chain{
		cfg:       cfg,
		logger:    logger,
		validator: validator,
		bus:       bus,
		seen:      make(map[dedupeKey]struct{}),
	}
	c.setSupervised(cfg.SupervisedTypes)
	return c
}

func (c *Chain) setSupervised(types []string) {
	supervised := make(map[string]struct{}, len(types))
	for _, t := range types {
		supervised[t] = struct{}{}
	}
	c.supervised = supervised
}

// UpdateSupervisedTypes swaps the supervised set at runtime (config hot
// reload).
func (c *Chain) UpdateSupervisedTypes(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setSupervised(types)
	c.logger.Info("Supervised decision types updated", zap.Strings("types", types))
}

// IsSupervised reports whether a decision type requires validation.
func (c *Chain) IsSupervised(decisionType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.supervised[decisionType]
	return ok
}

// EnforceAction validates a supervised decision, publishing the verdict and
// returning *CoordinatorRejected on denial. Non-supervised types and
// duplicate (type, correlation, decision) triples pass through untouched.
// Callers that must reprocess after a transient failure must use distinct
// correlation ids.
func (c *Chain) EnforceAction(ctx context.Context, d rules.Decision, correlationID, decisionID string) error {
	if !c.IsSupervised(d.Type) {
		return nil
	}

	key := dedupeKey{decisionType: d.Type, correlationID: correlationID, decisionID: decisionID}
	c.mu.Lock()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		dedupeHits.WithLabelValues(d.Type).Inc()
		return nil
	}
	c.seen[key] = struct{}{}
	c.mu.Unlock()

	if c.validator == nil || c.bus == nil {
		if c.cfg.FailClosed {
			c.recordOutcome(d.Type, false)
			return &CoordinatorRejected{
				DecisionType:       d.Type,
				CorrelationID:      correlationID,
				OriginalDecisionID: decisionID,
				Errors:             []string{"coordinator or event_bus not configured"},
			}
		}
		c.logger.Warn("Policy chain unconfigured, passing decision through",
			zap.String("decision_type", d.Type),
		)
		return nil
	}

	ctx, span := tracing.StartValidation(ctx, d.Type)
	defer span.End()

	result := c.validator.ValidateDecision(ctx, d)
	if result.IsValid {
		c.recordOutcome(d.Type, true)
		c.bus.Publish(ctx, &events.DecisionValidated{
			Envelope:           events.NewEnvelope("policy-chain", correlationID),
			OriginalDecisionID: decisionID,
			DecisionType:       d.Type,
			Payload:            d.Payload,
		})
		return nil
	}

	c.recordOutcome(d.Type, false)
	reason := strings.Join(result.Errors, "; ")
	c.bus.Publish(ctx, &events.DecisionRejected{
		Envelope:           events.NewEnvelope("policy-chain", correlationID),
		OriginalDecisionID: decisionID,
		DecisionType:       d.Type,
		Reason:             reason,
		Errors:             result.Errors,
		Payload:            d.Payload,
	})
	c.logger.Info("Decision rejected",
		zap.String("decision_type", d.Type),
		zap.String("decision_id", decisionID),
		zap.String("reason", reason),
	)
	return &CoordinatorRejected{
		DecisionType:       d.Type,
		CorrelationID:      correlationID,
		OriginalDecisionID: decisionID,
		Errors:             result.Errors,
	}
}

// Middleware adapts the chain for installation on the bus: DecisionMade
// events carrying supervised types are validated in-line. The verdict is
// published either way; rejected decisions are blocked from onward
// dispatch by returning nil.
func (c *Chain) Middleware() eventbus.Middleware {
	return func(ctx context.Context, ev events.Event) (events.Event, error) {
		dm, ok := ev.(*events.DecisionMade)
		if !ok {
			return ev, nil
		}
		d := rules.Decision{Type: dm.DecisionType, Payload: dm.Payload}
		correlationID := dm.CorrelationID
		if correlationID == "" {
			correlationID = dm.ID
		}
		if err := c.EnforceAction(ctx, d, correlationID, dm.ID); err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func (c *Chain) recordOutcome(decisionType string, passed bool) {
	c.mu.Lock()
	c.total++
	if passed {
		c.passed++
	} else {
		c.rejected++
	}
	total, rejected := c.total, c.rejected
	c.mu.Unlock()

	label := "rejected"
	if passed {
		label = "passed"
	}
	evaluations.WithLabelValues(decisionType, label).Inc()
	if total > 0 {
		rejectionRate.Set(float64(rejected) / float64(total))
	}
}

// GetStats returns a snapshot of chain counters.
func (c *Chain) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Total: c.total, Passed: c.passed, Rejected: c.rejected}
	if c.total > 0 {
		s.RejectionRate = float64(c.rejected) / float64(c.total)
	}
	return s
}

// IsRejectionRateHigh reports whether the observed rejection rate exceeds
// the configured threshold, once enough decisions have been sampled.
func (c *Chain) IsRejectionRateHigh() bool {
	s := c.GetStats()
	if s.Total < int64(c.cfg.SamplingFloor) {
		return false
	}
	high := s.RejectionRate > c.cfg.RejectionRateThreshold
	if high {
		c.logger.Warn("Rejection rate above threshold",
			zap.Float64("rate", s.RejectionRate),
			zap.Float64("threshold", c.cfg.RejectionRateThreshold),
			zap.Int64("total", s.Total),
		)
	}
	return high
}
