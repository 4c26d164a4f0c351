package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, dialect string) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &SQLStore{db: db, dialect: dialect}, mock
}

func sampleRecord() Record {
	return Record{
		ID:            "cp-1",
		SessionID:     "s-1",
		CascadeID:     "triage",
		CellName:      "approve",
		PhaseIndex:    2,
		Status:        StatusPending,
		ExpectedShape: map[string]any{"html": "<form/>"},
		CreatedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLStore_Save(t *testing.T) {
	for _, dialect := range []string{"sqlite", "postgres", "mysql"} {
		t.Run(dialect, func(t *testing.T) {
			store, mock := newMockStore(t, dialect)

			mock.ExpectExec("INSERT INTO checkpoints").
				WithArgs("cp-1", "s-1", "triage", "approve", StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))

			require.NoError(t, store.Save(context.Background(), sampleRecord()))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStore_Save_NoID(t *testing.T) {
	store, _ := newMockStore(t, "sqlite")
	err := store.Save(context.Background(), Record{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestSQLStore_Get(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")

	rec := sampleRecord()
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT record_json FROM checkpoints").
		WithArgs("cp-1").
		WillReturnRows(sqlmock.NewRows([]string{"record_json"}).AddRow(string(raw)))

	got, err := store.Get(context.Background(), "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, "approve", got.CellName)
	assert.Equal(t, 2, got.PhaseIndex)
	assert.Equal(t, StatusPending, got.Status)
}

func TestSQLStore_Get_NotFound(t *testing.T) {
	store, mock := newMockStore(t, "postgres")

	mock.ExpectQuery("SELECT record_json FROM checkpoints").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_Pending(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")

	first := sampleRecord()
	second := sampleRecord()
	second.ID = "cp-2"
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	raw1, _ := json.Marshal(first)
	raw2, _ := json.Marshal(second)

	mock.ExpectQuery("SELECT record_json FROM checkpoints").
		WithArgs(StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"record_json"}).AddRow(string(raw1)).AddRow(string(raw2)))

	recs, err := store.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "cp-1", recs[0].ID)
	assert.Equal(t, "cp-2", recs[1].ID)
}

func TestSQLStore_BySession(t *testing.T) {
	store, mock := newMockStore(t, "mysql")

	rec := sampleRecord()
	rec.Status = StatusCompleted
	raw, _ := json.Marshal(rec)

	mock.ExpectQuery("SELECT record_json FROM checkpoints").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"record_json"}).AddRow(string(raw)))

	recs, err := store.BySession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusCompleted, recs[0].Status)
}

func TestNewSQLStore_BadDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLStore(db, "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}
