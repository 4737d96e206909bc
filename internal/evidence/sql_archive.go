package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Schema for the archive table. Works on sqlite and postgres.
const archiveSchema = `
CREATE TABLE IF NOT EXISTS evidence_records (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    source_type TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_workflow ON evidence_records (workflow_id, created_at);
`

// SQLArchive is an offline audit archive for evidence records backed by a
// relational database through sqlx.
type SQLArchive struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLArchive wraps an open sqlx handle.
func NewSQLArchive(db *sqlx.DB, logger *zap.Logger) *SQLArchive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLArchive{db: db, logger: logger}
}

// Migrate creates the archive table when missing.
func (a *SQLArchive) Migrate(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, archiveSchema); err != nil {
		return fmt.Errorf("migrate evidence archive: %w", err)
	}
	return nil
}

func (a *SQLArchive) Save(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal evidence payload: %w", err)
	}

	query := a.db.Rebind(`
        INSERT INTO evidence_records (id, workflow_id, source_type, payload, created_at)
        VALUES (?, ?, ?, ?, ?)`)
	if _, err := a.db.ExecContext(ctx, query, rec.ID, rec.WorkflowID, rec.SourceType, string(payload), rec.CreatedAt); err != nil {
		return "", fmt.Errorf("insert evidence record: %w", err)
	}
	return rec.ID, nil
}

func (a *SQLArchive) Get(ctx context.Context, id string) (Record, error) {
	query := a.db.Rebind(`
        SELECT id, workflow_id, source_type, payload, created_at
        FROM evidence_records WHERE id = ?`)

	var row struct {
		ID         string    `db:"id"`
		WorkflowID string    `db:"workflow_id"`
		SourceType string    `db:"source_type"`
		Payload    string    `db:"payload"`
		CreatedAt  time.Time `db:"created_at"`
	}
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("select evidence record: %w", err)
	}

	rec := Record{
		ID:         row.ID,
		WorkflowID: row.WorkflowID,
		SourceType: row.SourceType,
		CreatedAt:  row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Payload), &rec.Payload); err != nil {
		return Record{}, fmt.Errorf("unmarshal evidence payload: %w", err)
	}
	return rec, nil
}

func (a *SQLArchive) ListByWorkflow(ctx context.Context, workflowID string) ([]string, error) {
	query := a.db.Rebind(`
        SELECT id FROM evidence_records
        WHERE workflow_id = ? ORDER BY created_at ASC`)

	var ids []string
	if err := a.db.SelectContext(ctx, &ids, query, workflowID); err != nil {
		return nil, fmt.Errorf("list evidence records: %w", err)
	}
	return ids, nil
}
