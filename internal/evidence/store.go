// Package evidence persists raw compression inputs so compressed contexts
// can point back at the material they were derived from. The store is
// optional: when absent, contexts simply carry no evidence refs. Recovery
// never reads from here; it is audit material only.
package evidence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an evidence record does not exist.
var ErrNotFound = errors.New("evidence record not found")

// Record is one persisted raw input.
type Record struct {
	ID         string         `json:"id" db:"id"`
	WorkflowID string         `json:"workflow_id" db:"workflow_id"`
	SourceType string         `json:"source_type" db:"source_type"`
	Payload    map[string]any `json:"payload" db:"-"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// Store persists evidence records.
type Store interface {
	// Save persists the record, assigning an id when empty, and returns it.
	Save(ctx context.Context, rec Record) (string, error)
	// Get retrieves a record by id.
	Get(ctx context.Context, id string) (Record, error)
	// ListByWorkflow returns record ids for a workflow, oldest first.
	ListByWorkflow(ctx context.Context, workflowID string) ([]string, error)
}

// NewID mints an evidence record id.
func NewID() string { return "ev_" + uuid.New().String() }

// MemoryStore is the in-process Store used by default and in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]Record
	byWorkflow map[string][]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]Record),
		byWorkflow: make(map[string][]string),
	}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; !exists {
		s.byWorkflow[rec.WorkflowID] = append(s.byWorkflow[rec.WorkflowID], rec.ID)
	}
	s.records[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListByWorkflow(_ context.Context, workflowID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byWorkflow[workflowID]...), nil
}
