package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "loom:session:"

// Config controls the session manager.
type Config struct {
	TTL       time.Duration
	MaxCached int
}

// Manager stores sessions in Redis and keeps a bounded local cache.
type Manager struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu          sync.RWMutex
	cache       map[string]*Session
	cacheAccess map[string]time.Time
	maxCached   int
}

// NewManager wraps an existing Redis client.
func NewManager(client *redis.Client, cfg Config, logger *zap.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxCached <= 0 {
		cfg.MaxCached = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         cfg.TTL,
		cache:       make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxCached:   cfg.MaxCached,
	}
}

// CreateSession creates and persists a fresh session.
func (m *Manager) CreateSession(ctx context.Context, metadata map[string]any) (*Session, error) {
	return m.CreateSessionWithID(ctx, uuid.New().String(), metadata)
}

// CreateSessionWithID creates a session under a caller-chosen id. An
// existing session with the same id is returned instead.
func (m *Manager) CreateSessionWithID(ctx context.Context, sessionID string, metadata map[string]any) (*Session, error) {
	if existing, err := m.GetSession(ctx, sessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	s := &Session{
		ID:        sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		Metadata:  metadata,
		Context:   make(map[string]any),
		History:   make([]Message, 0),
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}

	m.cachePut(s)
	m.logger.Info("Session created", zap.String("session_id", sessionID))
	return s, nil
}

// GetSession loads a session from the local cache or Redis.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	cached, ok := m.cache[sessionID]
	m.mu.RUnlock()
	if ok && !cached.IsExpired() {
		m.mu.Lock()
		m.cacheAccess[sessionID] = time.Now()
		m.mu.Unlock()
		return cached, nil
	}

	data, err := m.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if s.IsExpired() {
		return nil, ErrNotFound
	}

	m.cachePut(&s)
	return &s, nil
}

// UpdateSession persists the session and refreshes its TTL.
func (m *Manager) UpdateSession(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	s.ExpiresAt = s.UpdatedAt.Add(m.ttl)
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.cachePut(s)
	return nil
}

// SetContextValue updates one key of the session context and persists.
func (m *Manager) SetContextValue(ctx context.Context, sessionID, key string, value any) error {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	s.Context[key] = value
	return m.UpdateSession(ctx, s)
}

// AppendMessage appends one conversation turn and persists.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.AddMessage(role, content)
	return m.UpdateSession(ctx, s)
}

// DeleteSession removes the session from Redis and the cache.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.mu.Lock()
	delete(m.cache, sessionID)
	delete(m.cacheAccess, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.client.Set(ctx, keyPrefix+s.ID, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (m *Manager) cachePut(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[s.ID] = s
	m.cacheAccess[s.ID] = time.Now()
	m.evictLocked()
}

// evictLocked drops the least recently used entries above the cap.
func (m *Manager) evictLocked() {
	for len(m.cache) > m.maxCached {
		oldestID := ""
		var oldest time.Time
		for id, at := range m.cacheAccess {
			if oldestID == "" || at.Before(oldest) {
				oldestID = id
				oldest = at
			}
		}
		delete(m.cache, oldestID)
		delete(m.cacheAccess, oldestID)
	}
}
