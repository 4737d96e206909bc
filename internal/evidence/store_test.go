package evidence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.Save(ctx, Record{
		WorkflowID: "w1",
		SourceType: "execution",
		Payload:    map[string]any{"workflow_status": "running"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.WorkflowID)
	assert.Equal(t, "execution", rec.SourceType)
	assert.Equal(t, "running", rec.Payload["workflow_status"])
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = store.Get(ctx, "ev_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListByWorkflowOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		id, err := store.Save(ctx, Record{WorkflowID: "w1", SourceType: "conversation"})
		require.NoError(t, err)
		want = append(want, id)
	}
	_, err := store.Save(ctx, Record{WorkflowID: "w2", SourceType: "conversation"})
	require.NoError(t, err)

	ids, err := store.ListByWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, want, ids)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	id, err := store.Save(ctx, Record{
		WorkflowID: "w1",
		SourceType: "reflection",
		Payload:    map[string]any{"assessment": "good", "confidence": 0.9},
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reflection", rec.SourceType)
	assert.Equal(t, "good", rec.Payload["assessment"])
	assert.Equal(t, 0.9, rec.Payload["confidence"])

	ids, err := store.ListByWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	_, err = store.Get(ctx, "ev_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreIndexAccumulates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		id, err := store.Save(ctx, Record{WorkflowID: "w1", SourceType: "execution"})
		require.NoError(t, err)
		want = append(want, id)
	}

	ids, err := store.ListByWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, want, ids)
}
