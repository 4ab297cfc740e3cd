package sink

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/domain"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestTimescaleSinkWriteBatch(t *testing.T) {
	db, mock := newMock(t)
	sink := NewTimescaleSink(db, "points")
	ts := time.Now().UTC()

	points := []*domain.Point{
		{ConnectionID: "plc-1", TagID: 7, TS: ts, V: 42.5, Q: domain.QualityGood},
		{ConnectionID: "plc-1", TagID: 8, TS: ts, V: "RUN", Q: domain.QualityUncertain},
	}

	expected := regexp.QuoteMeta(`INSERT INTO "points" (connection_id, tag_id, ts, v, q) VALUES ($1,$2,$3,$4,$5),($6,$7,$8,$9,$10) ON CONFLICT (connection_id, tag_id, ts) DO NOTHING`)
	mock.ExpectExec(expected).
		WithArgs("plc-1", int64(7), ts, []byte("42.5"), int64(0), "plc-1", int64(8), ts, []byte(`"RUN"`), int64(domain.QualityUncertain)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, sink.WriteBatch(context.Background(), points))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleSinkWriteBatchEmpty(t *testing.T) {
	db, mock := newMock(t)

	assert.NoError(t, NewTimescaleSink(db, "points").WriteBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleSinkChunksLargeBatches(t *testing.T) {
	db, mock := newMock(t)

	points := make([]*domain.Point, maxRowsPerStatement+1)
	for i := range points {
		points[i] = &domain.Point{ConnectionID: "c", TagID: int64(i), TS: time.Unix(int64(i), 0), V: i}
	}
	mock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, maxRowsPerStatement))
	mock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewTimescaleSink(db, "points").WriteBatch(context.Background(), points))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleSinkPropagatesErrors(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("connection refused"))
	err := NewTimescaleSink(db, "points").WriteBatch(context.Background(), []*domain.Point{{ConnectionID: "c", TagID: 1}})
	assert.ErrorContains(t, err, "connection refused")
}

func TestTimescaleSinkEnsureSchema(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "connectivity_points"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewTimescaleSink(db, "").EnsureSchema(context.Background()))
	assert.Equal(t, "timescaledb", NewTimescaleSink(db, "").Name())
}
