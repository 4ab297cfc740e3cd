// Package catalog reads connections, poll groups and tag metadata from the
// relational catalog.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
	"github.com/dataforeman/connectivity/pkg/retry"
)

// Config describes the catalog pool.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	MaxConns        int
	ConnectTimeout  time.Duration
	IdleTimeout     time.Duration
	QueryTimeout    time.Duration
	StartupAttempts int
	StartupInterval time.Duration
}

func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.Database == "" {
		c.Database = "dataforeman"
	}
	if c.User == "" {
		c.User = "postgres"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.StartupAttempts <= 0 {
		c.StartupAttempts = 30
	}
	if c.StartupInterval <= 0 {
		c.StartupInterval = time.Second
	}
}

// DSN renders a lib/pq key/value connection string.
func (c Config) DSN() string {
	secs := int(c.ConnectTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	parts := []string{
		"host=" + quote(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quote(c.Database),
		"user=" + quote(c.User),
		"sslmode=" + quote(c.SSLMode),
		fmt.Sprintf("connect_timeout=%d", secs),
	}
	if c.Password != "" {
		parts = append(parts, "password="+quote(c.Password))
	}
	return strings.Join(parts, " ")
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Postgres is the ports.Catalog backed by PostgreSQL.
type Postgres struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// NewPostgres wraps an existing pool; used directly by tests.
func NewPostgres(db *sql.DB, cfg Config) *Postgres {
	cfg.ApplyDefaults()
	return &Postgres{db: db, cfg: cfg, logger: log.WithComponent("catalog")}
}

// Open creates the pool and waits until the schema answers, retrying at a
// fixed interval. Missing relations are reported as migrations in progress.
func Open(ctx context.Context, cfg Config) (*Postgres, error) {
	cfg.ApplyDefaults()
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, domain.CatalogErr("open catalog", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	p := NewPostgres(db, cfg)
	if err := p.WaitReady(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// WaitReady probes every consumed table until it succeeds or attempts run out.
func (p *Postgres) WaitReady(ctx context.Context) error {
	rc := retry.Fixed(p.cfg.StartupAttempts, p.cfg.StartupInterval)
	rc.OnRetry = func(attempt int, err error, _ time.Duration) {
		ev := p.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", p.cfg.StartupAttempts)
		if IsMigrationPending(err) {
			ev.Msg("catalog schema missing, migrations in progress")
			return
		}
		ev.Msg("catalog unavailable")
	}
	err := retry.Do(ctx, rc, func() error { return p.probe(ctx) })
	if err != nil {
		return domain.CatalogErr("catalog startup", err)
	}
	p.logger.Info().Str("host", p.cfg.Host).Str("database", p.cfg.Database).Msg("catalog ready")
	return nil
}

func (p *Postgres) probe(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()
	for _, table := range []string{"connections", "poll_groups", "tag_metadata"} {
		var one int
		err := p.db.QueryRowContext(qctx, "SELECT 1 FROM "+table+" LIMIT 1").Scan(&one)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	return nil
}

// IsMigrationPending recognizes the "relation does not exist" class.
func IsMigrationPending(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return err != nil && strings.Contains(err.Error(), "relation") && strings.Contains(err.Error(), "does not exist")
}

func (p *Postgres) GetPollGroups(ctx context.Context) ([]domain.PollGroup, error) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(qctx, queryPollGroups)
	if err != nil {
		return nil, domain.CatalogErr("get poll groups", err)
	}
	defer rows.Close()

	var out []domain.PollGroup
	for rows.Next() {
		var g domain.PollGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.PollRateMs, &g.Active); err != nil {
			return nil, domain.CatalogErr("scan poll group", err)
		}
		if g.PollRateMs < 1 {
			p.logger.Warn().Int64("group_id", g.ID).Int("poll_rate_ms", g.PollRateMs).Msg("poll rate below 1ms, clamping")
			g.PollRateMs = 1
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.CatalogErr("get poll groups", err)
	}
	return out, nil
}

// GetTagsByConnection returns nothing for synthetic test- connections.
func (p *Postgres) GetTagsByConnection(ctx context.Context, connectionID string) ([]domain.TagSubscription, error) {
	if strings.HasPrefix(connectionID, "test-") {
		return nil, nil
	}
	return p.queryTags(ctx, "get tags "+connectionID, queryTags+" AND t.connection_id = $1"+orderTags, connectionID)
}

func (p *Postgres) GetAllSubscribedTags(ctx context.Context) ([]domain.TagSubscription, error) {
	return p.queryTags(ctx, "get subscribed tags", queryTags+orderTags)
}

func (p *Postgres) queryTags(ctx context.Context, op, query string, args ...any) ([]domain.TagSubscription, error) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, domain.CatalogErr(op, err)
	}
	defer rows.Close()

	var out []domain.TagSubscription
	for rows.Next() {
		var (
			t        domain.TagSubscription
			dbType   string
			metadata []byte
		)
		if err := rows.Scan(
			&t.TagID, &t.ConnectionID, &t.DriverKind, &t.TagPath, &t.TagName, &t.DataType, &t.PollGroupID,
			&t.OnChange.Enabled, &t.OnChange.Deadband, &dbType, &t.OnChange.HeartbeatMs, &metadata,
		); err != nil {
			return nil, domain.CatalogErr(op, err)
		}
		t.OnChange.DeadbandType = domain.DeadbandAbsolute
		if strings.EqualFold(dbType, string(domain.DeadbandPercent)) {
			t.OnChange.DeadbandType = domain.DeadbandPercent
		}
		if len(metadata) > 0 {
			t.Metadata = json.RawMessage(metadata)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.CatalogErr(op, err)
	}
	return out, nil
}

func (p *Postgres) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	row := p.db.QueryRowContext(qctx, queryConnection+" WHERE id = $1", id)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	if err != nil {
		return domain.Connection{}, domain.CatalogErr("get connection "+id, err)
	}
	return conn, nil
}

func (p *Postgres) ListEnabledConnections(ctx context.Context) ([]domain.Connection, error) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(qctx, queryConnection+" WHERE enabled = true AND deleted_at IS NULL ORDER BY id")
	if err != nil {
		return nil, domain.CatalogErr("list connections", err)
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, domain.CatalogErr("scan connection", err)
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.CatalogErr("list connections", err)
	}
	return out, nil
}

func (p *Postgres) IsHealthy(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	return p.db.PingContext(pctx) == nil
}

func (p *Postgres) Close() error { return p.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

// configData is the packed JSON stored in connections.config_data.
// Older rows keep slot/rack/timeout at the top level.
type configData struct {
	Host          string               `json:"host"`
	Port          int                  `json:"port"`
	Endpoint      string               `json:"endpoint"`
	Auth          domain.Auth          `json:"auth"`
	DriverOpts    domain.DriverOptions `json:"driver_opts"`
	MaxConcurrent int                  `json:"max_concurrent_connections"`

	Slot      *int `json:"slot"`
	Rack      *int `json:"rack"`
	TimeoutMs *int `json:"timeout_ms"`
}

func scanConnection(row scanner) (domain.Connection, error) {
	var (
		c         domain.Connection
		name      sql.NullString
		raw       []byte
		deletedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &name, &c.Type, &c.Enabled, &raw, &deletedAt); err != nil {
		return domain.Connection{}, err
	}
	c.Name = name.String
	c.Deleted = deletedAt.Valid
	if len(raw) == 0 {
		return c, nil
	}

	var cd configData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return domain.Connection{}, domain.Configuration("decode config_data for "+c.ID, err)
	}
	c.Host = cd.Host
	c.Port = cd.Port
	c.Endpoint = cd.Endpoint
	c.Auth = cd.Auth
	c.Options = cd.DriverOpts
	c.MaxConcurrent = cd.MaxConcurrent
	if cd.Slot != nil && c.Options.Slot == 0 {
		c.Options.Slot = *cd.Slot
	}
	if cd.Rack != nil && c.Options.Rack == 0 {
		c.Options.Rack = *cd.Rack
	}
	if cd.TimeoutMs != nil && c.Options.TimeoutMs == 0 {
		c.Options.TimeoutMs = *cd.TimeoutMs
	}
	return c, nil
}

const (
	queryPollGroups = `SELECT group_id, name, poll_rate_ms, is_active FROM poll_groups WHERE is_active = true ORDER BY group_id`

	queryTags = `SELECT t.tag_id, t.connection_id, t.driver_type, t.tag_path, COALESCE(t.tag_name, t.tag_path), COALESCE(t.data_type, ''), t.poll_group_id, ` +
		`COALESCE(t.on_change_enabled, false), COALESCE(t.on_change_deadband, 0), COALESCE(t.on_change_deadband_type, 'absolute'), COALESCE(t.on_change_heartbeat_ms, 0), t.metadata ` +
		`FROM tag_metadata t JOIN poll_groups g ON g.group_id = t.poll_group_id ` +
		`WHERE t.is_subscribed = true`

	orderTags = ` ORDER BY t.connection_id, t.tag_id`

	queryConnection = `SELECT id, name, type, enabled, config_data, deleted_at FROM connections`
)

var _ ports.Catalog = (*Postgres)(nil)
