package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	recordKeyPrefix  = "loom:evidence:"
	workflowIndexKey = "loom:evidence:workflow:"
)

// RedisStore persists evidence records in Redis with an optional TTL and a
// per-workflow index list.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client. A zero ttl keeps records
// until evicted.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal evidence record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+rec.ID, data, s.ttl)
	pipe.RPush(ctx, workflowIndexKey+rec.WorkflowID, rec.ID)
	if s.ttl > 0 {
		pipe.Expire(ctx, workflowIndexKey+rec.WorkflowID, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("save evidence record: %w", err)
	}

	s.logger.Debug("Evidence record saved",
		zap.String("id", rec.ID),
		zap.String("workflow_id", rec.WorkflowID),
	)
	return rec.ID, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := s.client.Get(ctx, recordKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get evidence record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal evidence record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) ListByWorkflow(ctx context.Context, workflowID string) ([]string, error) {
	ids, err := s.client.LRange(ctx, workflowIndexKey+workflowID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list evidence records: %w", err)
	}
	return ids, nil
}
