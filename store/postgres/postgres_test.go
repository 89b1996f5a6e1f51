package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"

	"github.com/aden-hive/hive-sub001/store"
)

func testCheckpoint(id string) *store.Checkpoint {
	return &store.Checkpoint{
		ID:          id,
		ExecutionID: "exec-1",
		CreatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		ResumeNode:  "node-a",
		State:       map[string]any{"foo": "bar"},
		VisitCounts: map[string]int{"node-a": 1},
	}
}

func encoded(t *testing.T, cp *store.Checkpoint) ([]byte, string) {
	t.Helper()
	payload, err := cp.Canonical()
	assert.NoError(t, err)
	sum, err := cp.Checksum()
	assert.NoError(t, err)
	return payload, sum
}

func TestPostgresCheckpointStore_Save(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	cp := testCheckpoint("cp-1")
	payload, sum := encoded(t, cp)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs(cp.ID, cp.ExecutionID, cp.ResumeNode, string(payload), sum, cp.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.Save(context.Background(), cp)
	assert.NoError(t, err)
	assert.Equal(t, "cp-1", id)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Save_GeneratesID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	cp := testCheckpoint("")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs(pgxmock.AnyArg(), cp.ExecutionID, cp.ResumeNode, pgxmock.AnyArg(), pgxmock.AnyArg(), cp.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.Save(context.Background(), cp)
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Load(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	cp := testCheckpoint("cp-1")
	payload, sum := encoded(t, cp)

	rows := pgxmock.NewRows([]string{"payload", "checksum"}).
		AddRow(payload, sum)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload, checksum FROM checkpoints WHERE id = $1")).
		WithArgs("cp-1").
		WillReturnRows(rows)

	loaded, err := s.Load(context.Background(), "cp-1")
	assert.NoError(t, err)
	assert.Equal(t, "cp-1", loaded.ID)
	assert.Equal(t, "node-a", loaded.ResumeNode)
	assert.Equal(t, "bar", loaded.State["foo"])
	assert.Equal(t, 1, loaded.VisitCounts["node-a"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Load_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload, checksum FROM checkpoints WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	loaded, err := s.Load(context.Background(), "missing")
	assert.Nil(t, loaded)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Load_ChecksumMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	cp := testCheckpoint("cp-1")
	payload, _ := encoded(t, cp)

	rows := pgxmock.NewRows([]string{"payload", "checksum"}).
		AddRow(payload, "deadbeef")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload, checksum FROM checkpoints WHERE id = $1")).
		WithArgs("cp-1").
		WillReturnRows(rows)

	loaded, err := s.Load(context.Background(), "cp-1")
	assert.Nil(t, loaded)
	assert.ErrorIs(t, err, store.ErrCorrupt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_LatestFor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	cp := testCheckpoint("cp-2")
	payload, sum := encoded(t, cp)

	rows := pgxmock.NewRows([]string{"id", "payload", "checksum"}).
		AddRow("cp-2", payload, sum)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, payload, checksum FROM checkpoints")).
		WithArgs("exec-1").
		WillReturnRows(rows)

	latest, err := s.LatestFor(context.Background(), "exec-1")
	assert.NoError(t, err)
	assert.Equal(t, "cp-2", latest.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_ListFor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	first := testCheckpoint("cp-1")
	second := testCheckpoint("cp-2")
	second.CreatedAt = second.CreatedAt.Add(time.Second)

	rows := pgxmock.NewRows([]string{"id", "payload", "checksum"})
	for _, cp := range []*store.Checkpoint{first, second} {
		payload, sum := encoded(t, cp)
		rows.AddRow(cp.ID, payload, sum)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, payload, checksum FROM checkpoints")).
		WithArgs("exec-1").
		WillReturnRows(rows)

	loaded, err := s.ListFor(context.Background(), "exec-1")
	assert.NoError(t, err)
	assert.Len(t, loaded, 2)
	assert.Equal(t, "cp-1", loaded[0].ID)
	assert.Equal(t, "cp-2", loaded[1].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Delete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE execution_id = $1")).
		WithArgs("exec-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	err = s.Delete(context.Background(), "exec-1")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_InitSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err = s.InitSchema(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Save_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "checkpoints")

	cp := testCheckpoint("cp-1")
	payload, sum := encoded(t, cp)

	dbError := errors.New("database connection failed")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs(cp.ID, cp.ExecutionID, cp.ResumeNode, string(payload), sum, cp.CreatedAt).
		WillReturnError(dbError)

	_, err = s.Save(context.Background(), cp)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save checkpoint")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresCheckpointStoreWithPool_DefaultTableName(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	s := NewPostgresCheckpointStoreWithPool(mock, "")
	assert.Equal(t, "checkpoints", s.tableName)
}
