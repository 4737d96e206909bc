package evidence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockArchive(t *testing.T) (*SQLArchive, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLArchive(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t)), mock
}

func TestSQLArchiveSave(t *testing.T) {
	archive, mock := newMockArchive(t)

	mock.ExpectExec("INSERT INTO evidence_records").
		WithArgs(sqlmock.AnyArg(), "w1", "execution", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := archive.Save(context.Background(), Record{
		WorkflowID: "w1",
		SourceType: "execution",
		Payload:    map[string]any{"workflow_status": "completed"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLArchiveGet(t *testing.T) {
	archive, mock := newMockArchive(t)

	payload, _ := json.Marshal(map[string]any{"goal": "build a pipeline"})
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "workflow_id", "source_type", "payload", "created_at"}).
		AddRow("ev_1", "w1", "conversation", string(payload), now)

	mock.ExpectQuery("SELECT id, workflow_id, source_type, payload, created_at").
		WithArgs("ev_1").
		WillReturnRows(rows)

	rec, err := archive.Get(context.Background(), "ev_1")
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.WorkflowID)
	assert.Equal(t, "build a pipeline", rec.Payload["goal"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLArchiveGetNotFound(t *testing.T) {
	archive, mock := newMockArchive(t)

	mock.ExpectQuery("SELECT id, workflow_id, source_type, payload, created_at").
		WithArgs("ev_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workflow_id", "source_type", "payload", "created_at"}))

	_, err := archive.Get(context.Background(), "ev_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLArchiveListByWorkflow(t *testing.T) {
	archive, mock := newMockArchive(t)

	rows := sqlmock.NewRows([]string{"id"}).AddRow("ev_1").AddRow("ev_2")
	mock.ExpectQuery("SELECT id FROM evidence_records").
		WithArgs("w1").
		WillReturnRows(rows)

	ids, err := archive.ListByWorkflow(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ev_1", "ev_2"}, ids)
}
