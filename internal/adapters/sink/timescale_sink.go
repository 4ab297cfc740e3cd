// Package sink writes historian points to TimescaleDB.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// maxRowsPerStatement keeps multi-row inserts well under the 65535 parameter limit.
const maxRowsPerStatement = 1000

type TimescaleSink struct {
	db    *sql.DB
	table string
}

func NewTimescaleSink(db *sql.DB, table string) *TimescaleSink {
	if table == "" {
		table = "connectivity_points"
	}
	return &TimescaleSink{db: db, table: table}
}

// OpenTimescale connects with a postgres:// URL and checks reachability.
func OpenTimescale(ctx context.Context, url, table string) (*TimescaleSink, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open tsdb: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping tsdb: %w", err)
	}
	return NewTimescaleSink(db, table), nil
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

// EnsureSchema creates the points table when absent.
func (t *TimescaleSink) EnsureSchema(ctx context.Context) error {
	stmt := "CREATE TABLE IF NOT EXISTS " + pq.QuoteIdentifier(t.table) +
		" (connection_id TEXT NOT NULL, tag_id BIGINT NOT NULL, ts TIMESTAMPTZ NOT NULL, v JSONB, q BIGINT NOT NULL," +
		" PRIMARY KEY (connection_id, tag_id, ts))"
	_, err := t.db.ExecContext(ctx, stmt)
	return err
}

// WriteBatch inserts points idempotently; replays after a crash are harmless.
func (t *TimescaleSink) WriteBatch(ctx context.Context, points []*domain.Point) error {
	for lo := 0; lo < len(points); lo += maxRowsPerStatement {
		hi := lo + maxRowsPerStatement
		if hi > len(points) {
			hi = len(points)
		}
		if err := t.insert(ctx, points[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

func (t *TimescaleSink) insert(ctx context.Context, points []*domain.Point) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(t.table))
	b.WriteString(" (connection_id, tag_id, ts, v, q) VALUES ")

	args := make([]any, 0, len(points)*5)
	for i, p := range points {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5)
		v, err := json.Marshal(p.V)
		if err != nil {
			return fmt.Errorf("marshal value of tag %d: %w", p.TagID, err)
		}
		args = append(args, p.ConnectionID, p.TagID, p.TS, v, int64(p.Q))
	}
	b.WriteString(" ON CONFLICT (connection_id, tag_id, ts) DO NOTHING")

	if _, err := t.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert %d points: %w", len(points), err)
	}
	return nil
}

func (t *TimescaleSink) Close() error { return t.db.Close() }

var _ ports.Sink = (*TimescaleSink)(nil)
