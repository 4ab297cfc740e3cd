package catalog

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/domain"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db, Config{StartupAttempts: 3, StartupInterval: time.Millisecond}), mock
}

func TestGetPollGroups(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryPollGroups)).WillReturnRows(
		sqlmock.NewRows([]string{"group_id", "name", "poll_rate_ms", "is_active"}).
			AddRow(int64(1), "fast", 100, true).
			AddRow(int64(2), "broken", 0, true),
	)

	groups, err := p.GetPollGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, domain.PollGroup{ID: 1, Name: "fast", PollRateMs: 100, Active: true}, groups[0])
	assert.Equal(t, 1, groups[1].PollRateMs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func tagColumns() []string {
	return []string{
		"tag_id", "connection_id", "driver_type", "tag_path", "tag_name", "data_type", "poll_group_id",
		"on_change_enabled", "on_change_deadband", "on_change_deadband_type", "on_change_heartbeat_ms", "metadata",
	}
}

func TestGetTagsByConnection(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tag_metadata t JOIN poll_groups g")).
		WithArgs("plc-1").
		WillReturnRows(sqlmock.NewRows(tagColumns()).
			AddRow(int64(10), "plc-1", "eip", "Program:Main.Speed", "Speed", "REAL", int64(1), true, 0.5, "PERCENT", int64(60000), []byte(`{"unit":"rpm"}`)).
			AddRow(int64(11), "plc-1", "eip", "Counter", "Counter", "DINT", int64(2), false, 0.0, "absolute", int64(0), nil))

	tags, err := p.GetTagsByConnection(context.Background(), "plc-1")
	require.NoError(t, err)
	require.Len(t, tags, 2)

	assert.Equal(t, int64(10), tags[0].TagID)
	assert.Equal(t, "Program:Main.Speed", tags[0].TagPath)
	assert.True(t, tags[0].OnChange.Enabled)
	assert.Equal(t, domain.DeadbandPercent, tags[0].OnChange.DeadbandType)
	assert.Equal(t, 60000, tags[0].OnChange.HeartbeatMs)
	assert.JSONEq(t, `{"unit":"rpm"}`, string(tags[0].Metadata))

	assert.Equal(t, domain.DeadbandAbsolute, tags[1].OnChange.DeadbandType)
	assert.Nil(t, tags[1].Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTagsByConnectionSkipsTestPrefix(t *testing.T) {
	p, mock := newMock(t)

	tags, err := p.GetTagsByConnection(context.Background(), "test-bench")
	require.NoError(t, err)
	assert.Empty(t, tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func connColumns() []string {
	return []string{"id", "name", "type", "enabled", "config_data", "deleted_at"}
}

func TestGetConnection(t *testing.T) {
	p, mock := newMock(t)

	cfg := `{"host":"10.0.0.5","port":44818,"driver_opts":{"slot":2,"timeout_ms":1500},"max_concurrent_connections":4}`
	mock.ExpectQuery(regexp.QuoteMeta(queryConnection + " WHERE id = $1")).
		WithArgs("plc-1").
		WillReturnRows(sqlmock.NewRows(connColumns()).AddRow("plc-1", "Line 1", "EthernetIP", true, []byte(cfg), nil))

	conn, err := p.GetConnection(context.Background(), "plc-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", conn.Host)
	assert.Equal(t, 44818, conn.Port)
	assert.Equal(t, 2, conn.Options.Slot)
	assert.Equal(t, 1500*time.Millisecond, conn.Options.ReadTimeout())
	assert.Equal(t, 4, conn.MaxConcurrent)
	assert.Equal(t, domain.KindEIP, conn.Kind())
	assert.True(t, conn.Active())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConnectionLegacyTopLevelOptions(t *testing.T) {
	p, mock := newMock(t)

	cfg := `{"host":"10.0.0.9","rack":0,"slot":1,"timeout_ms":800}`
	mock.ExpectQuery(regexp.QuoteMeta(queryConnection)).
		WithArgs("s7-1").
		WillReturnRows(sqlmock.NewRows(connColumns()).AddRow("s7-1", nil, "s7", true, []byte(cfg), time.Now()))

	conn, err := p.GetConnection(context.Background(), "s7-1")
	require.NoError(t, err)
	assert.Equal(t, 1, conn.Options.Slot)
	assert.Equal(t, 800, conn.Options.TimeoutMs)
	assert.True(t, conn.Deleted)
	assert.False(t, conn.Active())
}

func TestGetConnectionNotFound(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryConnection)).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetConnection(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestListEnabledConnections(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE enabled = true AND deleted_at IS NULL")).
		WillReturnRows(sqlmock.NewRows(connColumns()).
			AddRow("a", "A", "opcua_client", true, []byte(`{"endpoint":"opc.tcp://srv:4840"}`), nil).
			AddRow("b", "B", "s7", true, nil, nil))

	conns, err := p.ListEnabledConnections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, domain.KindOPCUAClient, conns[0].Kind())
	assert.Equal(t, "srv", conns[0].HostKey())
	assert.Equal(t, "", conns[1].Host)
}

func TestQueryErrorIsCatalogKind(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryPollGroups)).WillReturnError(errors.New("connection reset"))

	_, err := p.GetPollGroups(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindCatalog))
}

func TestWaitReadyRetriesWhileMigrating(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM connections LIMIT 1")).
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "connections" does not exist`})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM connections LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM poll_groups LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM tag_metadata LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	require.NoError(t, p.WaitReady(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitReadyGivesUp(t *testing.T) {
	p, mock := newMock(t)

	for i := 0; i < 3; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM connections LIMIT 1")).
			WillReturnError(errors.New("dial tcp: connection refused"))
	}

	err := p.WaitReady(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindCatalog))
}

func TestIsMigrationPending(t *testing.T) {
	assert.True(t, IsMigrationPending(&pq.Error{Code: "42P01"}))
	assert.True(t, IsMigrationPending(errors.New(`pq: relation "poll_groups" does not exist`)))
	assert.False(t, IsMigrationPending(errors.New("timeout")))
	assert.False(t, IsMigrationPending(nil))
}

func TestDSNQuotesValues(t *testing.T) {
	cfg := Config{Host: "db", Password: "it's secret", Database: "df"}
	cfg.ApplyDefaults()
	dsn := cfg.DSN()
	assert.Contains(t, dsn, `password='it\'s secret'`)
	assert.Contains(t, dsn, "connect_timeout=2")
	assert.Contains(t, dsn, "port=5432")
}
