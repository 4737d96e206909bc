package knowledge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/compression"
	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
)

type fakeRetriever struct {
	mu         sync.Mutex
	queryCalls int
	errorCalls int
	goalCalls  int
	results    []map[string]any
	err        error
}

func (f *fakeRetriever) RetrieveByQuery(ctx context.Context, query, workflowID string, topK int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	return f.results, f.err
}

func (f *fakeRetriever) RetrieveByError(ctx context.Context, errorType, errorMessage string, topK int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorCalls++
	return f.results, f.err
}

func (f *fakeRetriever) RetrieveByGoal(ctx context.Context, goalText, workflowID string, topK int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goalCalls++
	return f.results, f.err
}

type fakeGateway struct {
	mu       sync.Mutex
	contexts map[string]*compression.CompressedContext
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{contexts: make(map[string]*compression.CompressedContext)}
}

func (g *fakeGateway) GetCompressedContext(workflowID string) (*compression.CompressedContext, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.contexts[workflowID]
	return c, ok
}

func (g *fakeGateway) SetCompressedContext(workflowID string, ctx *compression.CompressedContext) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.contexts[workflowID] = ctx
}

func results(items ...map[string]any) []map[string]any { return items }

func TestEnrichInjectsReferences(t *testing.T) {
	retriever := &fakeRetriever{results: results(
		map[string]any{"source_id": "kb1", "title": "Pipelines 101", "content": "how to pipeline", "relevance_score": 0.9},
		map[string]any{"source_id": "kb2", "score": 0.4},
	)}
	gateway := newFakeGateway()
	gateway.SetCompressedContext("w1", &compression.CompressedContext{WorkflowID: "w1", Version: 2})

	o := NewOrchestrator(Config{}, retriever, gateway, zaptest.NewLogger(t))

	refs, err := o.EnrichContextWithKnowledge(context.Background(), "w1", "pipelines")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, SourceKnowledgeBase, refs[0].SourceType)
	assert.Equal(t, "kb1", refs[0].SourceID)
	assert.False(t, refs[0].RetrievedAt.IsZero())

	ctx, ok := gateway.GetCompressedContext("w1")
	require.True(t, ok)
	assert.Len(t, ctx.KnowledgeReferences, 2)
	// Injection never bumps the context version.
	assert.Equal(t, 2, ctx.Version)
}

func TestEnrichCachesPerWorkflowAndQuery(t *testing.T) {
	retriever := &fakeRetriever{results: results(map[string]any{"source_id": "kb1", "relevance_score": 0.5})}
	o := NewOrchestrator(Config{}, retriever, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := o.EnrichContextWithKnowledge(ctx, "w1", "pipelines")
	require.NoError(t, err)
	_, err = o.EnrichContextWithKnowledge(ctx, "w1", "pipelines")
	require.NoError(t, err)
	assert.Equal(t, 1, retriever.queryCalls)

	_, err = o.EnrichContextWithKnowledge(ctx, "w2", "pipelines")
	require.NoError(t, err)
	assert.Equal(t, 2, retriever.queryCalls)

	o.ClearCache("w1")
	_, err = o.EnrichContextWithKnowledge(ctx, "w1", "pipelines")
	require.NoError(t, err)
	assert.Equal(t, 3, retriever.queryCalls)
}

func TestRetrievalFailureDoesNotTouchContext(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("backend down")}
	gateway := newFakeGateway()
	gateway.SetCompressedContext("w1", &compression.CompressedContext{WorkflowID: "w1", Version: 1})

	o := NewOrchestrator(Config{}, retriever, gateway, zaptest.NewLogger(t))

	_, err := o.EnrichContextWithKnowledge(context.Background(), "w1", "pipelines")
	require.Error(t, err)

	ctx, _ := gateway.GetCompressedContext("w1")
	assert.Empty(t, ctx.KnowledgeReferences)
}

func TestRateLimitSkipsRetrieval(t *testing.T) {
	retriever := &fakeRetriever{results: results(map[string]any{"source_id": "kb1"})}
	o := NewOrchestrator(Config{RatePerSecond: 0.001, RateBurst: 1}, retriever, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	refs, err := o.EnrichContextWithKnowledge(ctx, "w1", "q1")
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	refs, err = o.EnrichContextWithKnowledge(ctx, "w1", "q2")
	require.NoError(t, err)
	assert.Nil(t, refs)
	assert.Equal(t, 1, retriever.queryCalls)
}

func TestErrorAndGoalRetrievalSourceTypes(t *testing.T) {
	retriever := &fakeRetriever{results: results(map[string]any{"source_id": "s1", "relevance_score": 0.6})}
	o := NewOrchestrator(Config{}, retriever, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	refs, err := o.HandleNodeFailureWithKnowledge(ctx, "w1", "fetch", "TIMEOUT", "timeout calling api")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, SourceErrorSolution, refs[0].SourceType)

	refs, err = o.HandleReflectionWithKnowledge(ctx, "w1", "build a pipeline", 0.5, nil)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, SourceGoalRelated, refs[0].SourceType)
	assert.Equal(t, 1, retriever.errorCalls)
	assert.Equal(t, 1, retriever.goalCalls)
}

func TestEnrichContextCombinesGoalAndErrors(t *testing.T) {
	retriever := &fakeRetriever{results: results(map[string]any{"source_id": "s1", "relevance_score": 0.6})}
	gateway := newFakeGateway()
	gateway.SetCompressedContext("w1", &compression.CompressedContext{WorkflowID: "w1", Version: 1})

	o := NewOrchestrator(Config{}, retriever, gateway, zaptest.NewLogger(t))

	refs, err := o.EnrichContext(context.Background(), "w1", "build a pipeline", []NodeError{
		{ErrorType: "TIMEOUT", Message: "fetch timed out"},
	})
	require.NoError(t, err)
	// Same source id from both retrievals collapses to one reference.
	require.Len(t, refs, 1)
	assert.Equal(t, 1, retriever.goalCalls)
	assert.Equal(t, 1, retriever.errorCalls)

	ctx, _ := gateway.GetCompressedContext("w1")
	assert.Len(t, ctx.KnowledgeReferences, 1)
}

func TestNodeFailureAppendsToErrorLog(t *testing.T) {
	retriever := &fakeRetriever{results: results(map[string]any{"source_id": "s1"})}
	gateway := newFakeGateway()
	gateway.SetCompressedContext("w1", &compression.CompressedContext{WorkflowID: "w1", Version: 1})

	o := NewOrchestrator(Config{}, retriever, gateway, zaptest.NewLogger(t))

	_, err := o.HandleNodeFailureWithKnowledge(context.Background(), "w1", "fetch", "TIMEOUT", "timed out")
	require.NoError(t, err)

	ctx, _ := gateway.GetCompressedContext("w1")
	require.Len(t, ctx.ErrorLog, 1)
	assert.Equal(t, "fetch", ctx.ErrorLog[0].NodeID)
	assert.Equal(t, "TIMEOUT: timed out", ctx.ErrorLog[0].Error)
}

func TestEventTriggers(t *testing.T) {
	retriever := &fakeRetriever{results: results(map[string]any{"source_id": "s1", "relevance_score": 0.6})}
	gateway := newFakeGateway()
	gateway.SetCompressedContext("w1", &compression.CompressedContext{WorkflowID: "w1", Version: 1})

	o := NewOrchestrator(Config{}, retriever, gateway, zaptest.NewLogger(t))
	bus := eventbus.New(zaptest.NewLogger(t))
	o.RegisterEventHandlers(bus)

	adj := &events.WorkflowAdjustmentRequested{
		Envelope:      events.NewEnvelope("failure-orchestrator", "c1"),
		WorkflowID:    "w1",
		FailedNodeID:  "fetch",
		FailureReason: "timeout",
	}
	bus.Publish(context.Background(), adj)
	assert.Equal(t, 1, retriever.errorCalls)

	refl := &events.WorkflowReflectionCompleted{
		Envelope:    events.NewEnvelope("conversation-agent", "c1"),
		WorkflowID:  "w1",
		Assessment:  "incomplete",
		Confidence:  0.4,
		ShouldRetry: true,
	}
	bus.Publish(context.Background(), refl)
	assert.Equal(t, 1, retriever.goalCalls)

	// A reflection without retry intent triggers nothing.
	calm := &events.WorkflowReflectionCompleted{
		Envelope:   events.NewEnvelope("conversation-agent", "c1"),
		WorkflowID: "w1",
		Assessment: "done",
		Confidence: 0.95,
	}
	bus.Publish(context.Background(), calm)
	assert.Equal(t, 1, retriever.goalCalls)

	ctx, _ := gateway.GetCompressedContext("w1")
	assert.NotEmpty(t, ctx.KnowledgeReferences)
}

func TestCacheTTLExpiry(t *testing.T) {
	retriever := &fakeRetriever{results: results(map[string]any{"source_id": "kb1"})}
	o := NewOrchestrator(Config{CacheTTL: time.Millisecond}, retriever, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := o.EnrichContextWithKnowledge(ctx, "w1", "q")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = o.EnrichContextWithKnowledge(ctx, "w1", "q")
	require.NoError(t, err)
	assert.Equal(t, 2, retriever.queryCalls)
}
