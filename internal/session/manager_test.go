package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newManager(t *testing.T, cfg Config) *Manager {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewManager(client, cfg, zaptest.NewLogger(t))
}

func TestCreateAndGetSession(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	s, err := m.CreateSession(ctx, map[string]any{"origin": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "test", got.Metadata["origin"])

	_, err = m.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateWithExistingIDReturnsExisting(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	first, err := m.CreateSessionWithID(ctx, "sess1", nil)
	require.NoError(t, err)
	first.Context["goal"] = "build"
	require.NoError(t, m.UpdateSession(ctx, first))

	again, err := m.CreateSessionWithID(ctx, "sess1", nil)
	require.NoError(t, err)
	assert.Equal(t, "build", again.Context["goal"])
}

func TestContextAndHistory(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	s, err := m.CreateSessionWithID(ctx, "sess1", nil)
	require.NoError(t, err)

	require.NoError(t, m.SetContextValue(ctx, s.ID, "canvas_state", map[string]any{"version": 3}))
	require.NoError(t, m.AppendMessage(ctx, s.ID, "user", "build a pipeline"))
	require.NoError(t, m.AppendMessage(ctx, s.ID, "assistant", "planning"))

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Context["canvas_state"])
	require.Len(t, got.History, 2)
	assert.Equal(t, "user", got.History[0].Role)
}

func TestSessionSurvivesCacheLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManager(client, Config{}, zaptest.NewLogger(t))
	ctx := context.Background()

	s, err := m.CreateSessionWithID(ctx, "sess1", nil)
	require.NoError(t, err)
	require.NoError(t, m.AppendMessage(ctx, s.ID, "user", "hello"))

	// A second manager on the same Redis sees the persisted state.
	m2 := NewManager(client, Config{}, zaptest.NewLogger(t))
	got, err := m2.GetSession(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, got.History, 1)
}

func TestDeleteSession(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()

	s, err := m.CreateSessionWithID(ctx, "sess1", nil)
	require.NoError(t, err)
	require.NoError(t, m.DeleteSession(ctx, s.ID))

	_, err = m.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalCacheEviction(t *testing.T) {
	m := newManager(t, Config{MaxCached: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.CreateSessionWithID(ctx, id, nil)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	m.mu.RLock()
	cached := len(m.cache)
	m.mu.RUnlock()
	assert.LessOrEqual(t, cached, 2)

	// Evicted sessions still load from Redis.
	got, err := m.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}
