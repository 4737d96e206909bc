package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/internal/compression"
	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/ports"
)

// ContextGateway exposes the compressed-context store the orchestrator
// injects references into. The coordinator implements it.
type ContextGateway interface {
	GetCompressedContext(workflowID string) (*compression.CompressedContext, bool)
	SetCompressedContext(workflowID string, ctx *compression.CompressedContext)
}

// Config controls retrieval behavior.
type Config struct {
	TopK          int           `mapstructure:"top_k"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		TopK:          5,
		CacheTTL:      5 * time.Minute,
		RatePerSecond: 5,
		RateBurst:     10,
	}
}

type cacheEntry struct {
	refs    References
	expires time.Time
}

// Orchestrator wraps a retrieval backend with caching, rate limiting,
// and context injection. Retrieval failures never fail the workflow.
type Orchestrator struct {
	cfg       Config
	retriever ports.KnowledgeRetriever
	gateway   ContextGateway
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewOrchestrator builds a retrieval orchestrator. The gateway may be nil
// when callers only want the retrieval API without injection.
func NewOrchestrator(cfg Config, retriever ports.KnowledgeRetriever, gateway ContextGateway, logger *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		retriever: retriever,
		gateway:   gateway,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		cache:     make(map[string]cacheEntry),
	}
}

// NodeError names one failure to look up solutions for.
type NodeError struct {
	ErrorType string
	Message   string
}

func (e NodeError) text() string {
	if e.ErrorType != "" && e.Message != "" {
		return e.ErrorType + ": " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return e.ErrorType
}

// EnrichContextWithKnowledge retrieves references for a free-form query
// and injects them into the workflow's compressed context.
func (o *Orchestrator) EnrichContextWithKnowledge(ctx context.Context, workflowID, query string) (References, error) {
	refs, err := o.retrieve(ctx, workflowID, "query:"+query, SourceKnowledgeBase,
		func(ctx context.Context) ([]map[string]any, error) {
			return o.retriever.RetrieveByQuery(ctx, query, workflowID, o.cfg.TopK)
		})
	if err != nil {
		return nil, err
	}
	o.inject(workflowID, refs)
	return refs, nil
}

// EnrichContext combines goal-related and error-solution retrieval for a
// workflow, de-duplicated by source id with the higher relevance winning.
func (o *Orchestrator) EnrichContext(ctx context.Context, workflowID, goal string, errs []NodeError) (References, error) {
	if o.retriever == nil {
		return nil, nil
	}

	var refs References
	if goal != "" {
		goalRefs, err := o.retrieve(ctx, workflowID, "goal:"+goal, SourceGoalRelated,
			func(ctx context.Context) ([]map[string]any, error) {
				return o.retriever.RetrieveByGoal(ctx, goal, workflowID, o.cfg.TopK)
			})
		if err != nil {
			return nil, err
		}
		refs = MergeReferences(refs, goalRefs)
	}
	for _, e := range errs {
		text := e.text()
		if text == "" {
			continue
		}
		errRefs, err := o.retrieve(ctx, workflowID, "error:"+text, SourceErrorSolution,
			func(ctx context.Context) ([]map[string]any, error) {
				return o.retriever.RetrieveByError(ctx, e.ErrorType, e.Message, o.cfg.TopK)
			})
		if err != nil {
			return nil, err
		}
		refs = MergeReferences(refs, errRefs)
	}

	o.inject(workflowID, refs)
	return refs, nil
}

// HandleNodeFailureWithKnowledge appends the failure to the workflow's
// error log, then injects error-solution references.
func (o *Orchestrator) HandleNodeFailureWithKnowledge(ctx context.Context, workflowID, nodeID, errorType, errorMessage string) (References, error) {
	if o.gateway != nil {
		if current, ok := o.gateway.GetCompressedContext(workflowID); ok {
			clone := *current
			clone.ErrorLog = append(append([]compression.ErrorEntry(nil), current.ErrorLog...),
				compression.ErrorEntry{NodeID: nodeID, Error: NodeError{ErrorType: errorType, Message: errorMessage}.text()})
			o.gateway.SetCompressedContext(workflowID, &clone)
		}
	}

	text := NodeError{ErrorType: errorType, Message: errorMessage}.text()
	refs, err := o.retrieve(ctx, workflowID, "error:"+nodeID+":"+text, SourceErrorSolution,
		func(ctx context.Context) ([]map[string]any, error) {
			return o.retriever.RetrieveByError(ctx, errorType, errorMessage, o.cfg.TopK)
		})
	if err != nil {
		return nil, err
	}
	o.inject(workflowID, refs)
	return refs, nil
}

// HandleReflectionWithKnowledge folds the reflection verdict into the
// context, then injects goal-related references using the current task
// goal, falling back to the assessment text.
func (o *Orchestrator) HandleReflectionWithKnowledge(ctx context.Context, workflowID, assessment string, confidence float64, recommendations []string) (References, error) {
	goal := assessment
	if o.gateway != nil {
		if current, ok := o.gateway.GetCompressedContext(workflowID); ok {
			clone := *current
			clone.Reflection = compression.ReflectionSummary{
				Assessment:      assessment,
				Confidence:      confidence,
				Recommendations: recommendations,
			}
			if len(recommendations) > 0 {
				clone.NextActions = recommendations
			}
			o.gateway.SetCompressedContext(workflowID, &clone)
			if current.TaskGoal != "" {
				goal = current.TaskGoal
			}
		}
	}

	refs, err := o.retrieve(ctx, workflowID, "goal:"+goal, SourceGoalRelated,
		func(ctx context.Context) ([]map[string]any, error) {
			return o.retriever.RetrieveByGoal(ctx, goal, workflowID, o.cfg.TopK)
		})
	if err != nil {
		return nil, err
	}
	o.inject(workflowID, refs)
	return refs, nil
}

// RegisterEventHandlers wires automatic retrieval to failure and
// reflection events.
func (o *Orchestrator) RegisterEventHandlers(bus *eventbus.Bus) {
	bus.Subscribe(events.TypeWorkflowAdjustmentRequested, o.onAdjustmentRequested)
	bus.Subscribe(events.TypeWorkflowReflectionCompleted, o.onReflectionCompleted)
}

func (o *Orchestrator) onAdjustmentRequested(ctx context.Context, ev events.Event) {
	adj, ok := ev.(*events.WorkflowAdjustmentRequested)
	if !ok {
		return
	}
	if _, err := o.HandleNodeFailureWithKnowledge(ctx, adj.WorkflowID, adj.FailedNodeID, "", adj.FailureReason); err != nil {
		o.logger.Warn("Error-solution retrieval failed",
			zap.String("workflow_id", adj.WorkflowID),
			zap.String("node_id", adj.FailedNodeID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) onReflectionCompleted(ctx context.Context, ev events.Event) {
	refl, ok := ev.(*events.WorkflowReflectionCompleted)
	if !ok || !refl.ShouldRetry {
		return
	}
	if _, err := o.HandleReflectionWithKnowledge(ctx, refl.WorkflowID, refl.Assessment, refl.Confidence, refl.Recommendations); err != nil {
		o.logger.Warn("Goal-related retrieval failed",
			zap.String("workflow_id", refl.WorkflowID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) retrieve(ctx context.Context, workflowID, cacheKey, sourceType string, fn func(context.Context) ([]map[string]any, error)) (References, error) {
	if o.retriever == nil {
		return nil, nil
	}

	key := workflowID + "|" + cacheKey
	if refs, ok := o.cached(key); ok {
		retrievalsTotal.WithLabelValues(sourceType, "cache_hit").Inc()
		return refs, nil
	}

	if !o.limiter.Allow() {
		retrievalsTotal.WithLabelValues(sourceType, "rate_limited").Inc()
		o.logger.Warn("Knowledge retrieval rate limited",
			zap.String("workflow_id", workflowID),
			zap.String("source_type", sourceType),
		)
		return nil, nil
	}

	start := time.Now()
	results, err := fn(ctx)
	retrievalDuration.WithLabelValues(sourceType).Observe(time.Since(start).Seconds())
	if err != nil {
		retrievalsTotal.WithLabelValues(sourceType, "error").Inc()
		return nil, fmt.Errorf("knowledge retrieval (%s): %w", sourceType, err)
	}
	retrievalsTotal.WithLabelValues(sourceType, "ok").Inc()

	now := time.Now().UTC()
	refs := make(References, 0, len(results))
	for _, result := range results {
		ref := fromDict(result, sourceType)
		ref.SourceType = sourceType
		if ref.RetrievedAt.IsZero() {
			ref.RetrievedAt = now
		}
		refs = append(refs, ref)
	}
	refs = refs.TopK(o.cfg.TopK)

	o.mu.Lock()
	o.cache[key] = cacheEntry{refs: refs, expires: now.Add(o.cfg.CacheTTL)}
	o.mu.Unlock()
	return refs, nil
}

func (o *Orchestrator) cached(key string) (References, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(o.cache, key)
		return nil, false
	}
	return entry.refs, true
}

// inject merges refs into the workflow's compressed context, if one
// exists. Injection never bumps the context version.
func (o *Orchestrator) inject(workflowID string, refs References) {
	if o.gateway == nil || len(refs) == 0 {
		return
	}
	current, ok := o.gateway.GetCompressedContext(workflowID)
	if !ok {
		return
	}
	o.gateway.SetCompressedContext(workflowID, current.WithKnowledgeRefs(refs.ToDictList()))
	injectionsTotal.WithLabelValues(workflowID).Inc()
}

// ClearCache drops all cached retrieval results for a workflow.
func (o *Orchestrator) ClearCache(workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	prefix := workflowID + "|"
	for key := range o.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(o.cache, key)
		}
	}
}
