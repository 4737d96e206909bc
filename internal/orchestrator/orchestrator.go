// Package orchestrator is the composition root: it wires the event bus,
// policy chain, coordinator, failure orchestrator, sync service,
// knowledge orchestrator, and conversation state machine into one
// running system.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/compression"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/convstate"
	"github.com/loomworks/loom/internal/coordinator"
	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/evidence"
	"github.com/loomworks/loom/internal/failure"
	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/ports"
	"github.com/loomworks/loom/internal/rules"
	"github.com/loomworks/loom/internal/session"
	"github.com/loomworks/loom/internal/syncsvc"
)

// Options carries the external collaborators. Any field may be nil; the
// corresponding integration becomes inert.
type Options struct {
	WorkflowAgent     ports.WorkflowAgent
	ConversationAgent ports.ConversationAgent
	Retriever         ports.KnowledgeRetriever
	EvidenceStore     evidence.Store
	Sessions          *session.Manager
	SessionID         string
	Logger            *zap.Logger
}

// System is the wired coordination core.
type System struct {
	Bus          *eventbus.Bus
	Rules        *rules.Engine
	Coordinator  *coordinator.Coordinator
	Policy       *policy.Chain
	Failure      *failure.Orchestrator
	Sync         *syncsvc.Service
	Knowledge    *knowledge.Orchestrator
	Conversation *convstate.Machine
	Snapshots    *compression.SnapshotManager
	Sessions     *session.Manager

	logger    *zap.Logger
	startedAt time.Time

	statsMu     sync.Mutex
	eventCounts map[string]uint64
}

// New wires a system from configuration and collaborators.
func New(cfg *config.Config, opts Options) (*System, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bus := eventbus.New(logger, eventbus.WithAuditCapacity(cfg.Bus.AuditCapacity))

	engine := rules.NewEngine(rules.DAGValidation("workflow-plan-dag", 100))

	var compressor *compression.Compressor
	var snapshots *compression.SnapshotManager
	if cfg.Compression.Enabled {
		compressor = compression.NewCompressor(compression.Config{
			MaxSegmentLength: cfg.Compression.MaxSegmentLength,
			GoalMaxLength:    cfg.Compression.GoalMaxLength,
			OutputSummaryMax: cfg.Compression.OutputSummaryMax,
		}, opts.EvidenceStore, logger)
		snapshots = compression.NewSnapshotManager(logger)
	}

	coord := coordinator.New(coordinator.Config{
		CompressionEnabled: cfg.Compression.Enabled,
	}, engine, compressor, snapshots, logger)
	coord.RegisterEventHandlers(bus)

	chain := policy.NewChain(policy.Config{
		SupervisedTypes:        cfg.Policy.SupervisedTypes,
		FailClosed:             cfg.Policy.FailClosed,
		RejectionRateThreshold: cfg.Policy.RejectionRateThreshold,
		SamplingFloor:          cfg.Policy.SamplingFloor,
	}, coord, bus, logger)

	failCfg, err := failureConfig(cfg.Failure)
	if err != nil {
		return nil, err
	}
	failureOrch := failure.New(failCfg, coord, bus, logger)
	if opts.WorkflowAgent != nil {
		failureOrch.RegisterWorkflowAgent(opts.WorkflowAgent)
	}

	syncSvc := syncsvc.New(opts.WorkflowAgent, opts.ConversationAgent, logger)
	syncSvc.RegisterEventHandlers(bus)

	var knowledgeOrch *knowledge.Orchestrator
	if opts.Retriever != nil {
		knowledgeOrch = knowledge.NewOrchestrator(knowledge.Config{
			TopK:          cfg.Knowledge.TopK,
			CacheTTL:      cfg.Knowledge.CacheTTL,
			RatePerSecond: cfg.Knowledge.RatePerSecond,
			RateBurst:     cfg.Knowledge.RateBurst,
		}, opts.Retriever, coord, logger)
		knowledgeOrch.RegisterEventHandlers(bus)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	machine := convstate.NewMachine(sessionID, bus, logger)
	machine.RegisterEventHandlers(bus)

	s := &System{
		Bus:          bus,
		Rules:        engine,
		Coordinator:  coord,
		Policy:       chain,
		Failure:      failureOrch,
		Sync:         syncSvc,
		Knowledge:    knowledgeOrch,
		Conversation: machine,
		Snapshots:    snapshots,
		Sessions:     opts.Sessions,
		logger:       logger,
		startedAt:    time.Now().UTC(),
		eventCounts:  make(map[string]uint64),
	}

	// Counting middleware first, so even blocked events are counted;
	// the policy middleware gates supervised decisions after it.
	bus.AddMiddleware(s.countingMiddleware)
	bus.AddMiddleware(chain.Middleware())

	if opts.Sessions != nil {
		bus.Subscribe(events.TypeStateChanged, s.persistConversationState)
	}
	return s, nil
}

func failureConfig(fc config.FailureConfig) (failure.Config, error) {
	cfg := failure.DefaultConfig()
	if fc.DefaultStrategy != "" {
		strategy, err := failure.ParseStrategy(fc.DefaultStrategy)
		if err != nil {
			return failure.Config{}, err
		}
		cfg.DefaultStrategy = strategy
	}
	if len(fc.NodeStrategies) > 0 {
		cfg.NodeStrategies = make(map[string]failure.Strategy, len(fc.NodeStrategies))
		for node, raw := range fc.NodeStrategies {
			strategy, err := failure.ParseStrategy(raw)
			if err != nil {
				return failure.Config{}, fmt.Errorf("node %s: %w", node, err)
			}
			cfg.NodeStrategies[node] = strategy
		}
	}
	if fc.MaxRetries > 0 {
		cfg.MaxRetries = fc.MaxRetries
	}
	if fc.BaseDelay > 0 {
		cfg.BaseDelay = fc.BaseDelay
	}
	if fc.MaxDelay > 0 {
		cfg.MaxDelay = fc.MaxDelay
	}
	if fc.Factor > 0 {
		cfg.Factor = fc.Factor
	}
	if fc.Jitter > 0 {
		cfg.Jitter = fc.Jitter
	}
	return cfg, nil
}

func (s *System) countingMiddleware(ctx context.Context, ev events.Event) (events.Event, error) {
	s.statsMu.Lock()
	s.eventCounts[ev.Type()]++
	s.statsMu.Unlock()
	return ev, nil
}

// persistConversationState mirrors state transitions into the session
// store, best effort.
func (s *System) persistConversationState(ctx context.Context, ev events.Event) {
	sc, ok := ev.(*events.StateChanged)
	if !ok || s.Sessions == nil {
		return
	}
	if _, err := s.Sessions.CreateSessionWithID(ctx, sc.SessionID, nil); err != nil {
		s.logger.Warn("Session lookup failed", zap.String("session_id", sc.SessionID), zap.Error(err))
		return
	}
	if err := s.Sessions.SetContextValue(ctx, sc.SessionID, "conversation_state", sc.ToState); err != nil {
		s.logger.Warn("Persisting conversation state failed",
			zap.String("session_id", sc.SessionID),
			zap.Error(err),
		)
	}
}

// ApplyConfig hot-applies the tunable sections of a reloaded config.
func (s *System) ApplyConfig(cfg *config.Config) error {
	s.Policy.UpdateSupervisedTypes(cfg.Policy.SupervisedTypes)
	for node, raw := range cfg.Failure.NodeStrategies {
		strategy, err := failure.ParseStrategy(raw)
		if err != nil {
			return err
		}
		s.Failure.SetNodeStrategy(node, strategy)
	}
	s.logger.Info("Runtime configuration applied",
		zap.Strings("supervised_types", cfg.Policy.SupervisedTypes),
		zap.Int("node_strategy_overrides", len(cfg.Failure.NodeStrategies)),
	)
	return nil
}

// Stats summarizes the running system.
func (s *System) Stats() map[string]any {
	s.statsMu.Lock()
	counts := make(map[string]uint64, len(s.eventCounts))
	var total uint64
	for t, n := range s.eventCounts {
		counts[t] = n
		total += n
	}
	s.statsMu.Unlock()

	policyStats := s.Policy.GetStats()
	return map[string]any{
		"uptime_seconds":      time.Since(s.startedAt).Seconds(),
		"events_total":        total,
		"events_by_type":      counts,
		"decisions_forwarded": s.Sync.DecisionsForwarded(),
		"policy": map[string]any{
			"total":          policyStats.Total,
			"passed":         policyStats.Passed,
			"rejected":       policyStats.Rejected,
			"rejection_rate": policyStats.RejectionRate,
		},
		"system": s.Coordinator.GetSystemStatus(),
	}
}
