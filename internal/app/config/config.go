// Package config loads gateway settings from an optional YAML file overlaid
// by environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dataforeman/connectivity/internal/adapters/bus"
	"github.com/dataforeman/connectivity/internal/adapters/catalog"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// MinReconcileInterval is the floor applied to TAG_RECONCILE_INTERVAL_MS.
const MinReconcileInterval = 30 * time.Second

type Config struct {
	ServiceID string `yaml:"service_id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`

	NATS      NATSConfig              `yaml:"nats"`
	Catalog   CatalogConfig           `yaml:"catalog"`
	Log       LogConfig               `yaml:"log"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Gateway   GatewayConfig           `yaml:"gateway"`
	Tuning    domain.TuningParameters `yaml:"tuning"`
	Historian HistorianConfig         `yaml:"historian"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type CatalogConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int           `yaml:"max_conns"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	StartupAttempts int           `yaml:"startup_attempts"`
	StartupInterval time.Duration `yaml:"startup_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type GatewayConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	SnapshotTTL       time.Duration `yaml:"snapshot_ttl"`
	ChannelCapacity   int           `yaml:"channel_capacity"`
	BatchMaxPoints    int           `yaml:"batch_max_points"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type HistorianConfig struct {
	URL    string       `yaml:"url"`
	Table  string       `yaml:"table"`
	WALDir string       `yaml:"wal_dir"`
	Policy ports.Policy `yaml:"policy"`
}

// Enabled reports whether store-and-forward is configured.
func (h HistorianConfig) Enabled() bool { return h.URL != "" }

// Load reads path (optional), overlays the environment, then defaults and validates.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

// Default returns the built-in configuration, ignoring files and environment.
func Default() *Config {
	cfg := seed()
	cfg.applyDefaults()
	return &cfg
}

// seed holds defaults whose zero value is also a legal setting, so they are
// laid down before the file and environment rather than filled in afterwards.
func seed() Config {
	return Config{Tuning: domain.DefaultTuning()}
}

func load(path string, env func(string) (string, bool)) (*Config, error) {
	cfg := seed()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.overlayEnv(env); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlayEnv(env func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := env(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := env(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	millis := func(key string, dst *time.Duration) {
		var ms int
		num(key, &ms)
		if ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := env(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("SERVICE_ID", &c.ServiceID)
	str("HOST", &c.Host)
	num("PORT", &c.Port)
	str("NATS_URL", &c.NATS.URL)
	str("PGHOST", &c.Catalog.Host)
	num("PGPORT", &c.Catalog.Port)
	str("PGDATABASE", &c.Catalog.Database)
	str("PGUSER", &c.Catalog.User)
	str("PGPASSWORD", &c.Catalog.Password)
	str("PGSSLMODE", &c.Catalog.SSLMode)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	flag("LOG_JSON", &c.Log.JSON)
	millis("TAG_RECONCILE_INTERVAL_MS", &c.Gateway.ReconcileInterval)
	millis("SNAPSHOT_TTL_MS", &c.Gateway.SnapshotTTL)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("TSDB_URL", &c.Historian.URL)
	str("TSDB_TABLE", &c.Historian.Table)
	str("WAL_DIR", &c.Historian.WALDir)
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.ServiceID == "" {
		c.ServiceID = "connectivity"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 3100
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWait <= 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.DrainTimeout <= 0 {
		c.NATS.DrainTimeout = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Gateway.ReconcileInterval <= 0 {
		c.Gateway.ReconcileInterval = 60 * time.Second
	}
	if c.Gateway.SnapshotTTL <= 0 {
		c.Gateway.SnapshotTTL = 5 * time.Minute
	}
	if c.Gateway.ChannelCapacity <= 0 {
		c.Gateway.ChannelCapacity = 4096
	}
	if c.Gateway.BatchMaxPoints <= 0 {
		c.Gateway.BatchMaxPoints = 500
	}
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = 30 * time.Second
	}
	if c.Gateway.ShutdownTimeout <= 0 {
		c.Gateway.ShutdownTimeout = 10 * time.Second
	}
	c.Tuning = c.Tuning.Normalize()

	if c.Historian.Table == "" {
		c.Historian.Table = "connectivity_points"
	}
	if c.Historian.WALDir == "" {
		c.Historian.WALDir = "./data/wal"
	}
	p := &c.Historian.Policy
	if p.MaxWALSizeBytes == 0 {
		p.MaxWALSizeBytes = 1 << 30
	}
	if p.MaxQueueLen == 0 {
		p.MaxQueueLen = 100_000
	}
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 5_000
	}
	if p.IdleSleep == 0 {
		p.IdleSleep = 50 * time.Millisecond
	}
	if p.OnQueueFull == "" {
		p.OnQueueFull = "block"
	}
	if p.OnWALFull == "" {
		p.OnWALFull = "block"
	}

	cat := c.CatalogConfig()
	cat.ApplyDefaults()
	c.Catalog = CatalogConfig{
		Host: cat.Host, Port: cat.Port, Database: cat.Database, User: cat.User, Password: cat.Password,
		SSLMode: cat.SSLMode, MaxConns: cat.MaxConns, ConnectTimeout: cat.ConnectTimeout,
		IdleTimeout: cat.IdleTimeout, QueryTimeout: cat.QueryTimeout,
		StartupAttempts: cat.StartupAttempts, StartupInterval: cat.StartupInterval,
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("nats url %q must use nats:// or tls://", c.NATS.URL)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
		return fmt.Errorf("metrics addr: %w", err)
	}
	for _, p := range []string{c.Historian.Policy.OnQueueFull, c.Historian.Policy.OnWALFull} {
		if p != "block" && p != "drop" {
			return fmt.Errorf("historian policy %q must be block or drop", p)
		}
	}
	if c.Historian.Enabled() && c.Historian.WALDir == "" {
		return errors.New("historian.wal_dir is required when the historian is enabled")
	}
	return nil
}

// ListenAddr is the health listener address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EffectiveReconcileInterval never drops below MinReconcileInterval.
func (c *Config) EffectiveReconcileInterval() time.Duration {
	if c.Gateway.ReconcileInterval < MinReconcileInterval {
		return MinReconcileInterval
	}
	return c.Gateway.ReconcileInterval
}

// CatalogConfig converts to the catalog adapter's settings.
func (c *Config) CatalogConfig() catalog.Config {
	return catalog.Config{
		Host:            c.Catalog.Host,
		Port:            c.Catalog.Port,
		Database:        c.Catalog.Database,
		User:            c.Catalog.User,
		Password:        c.Catalog.Password,
		SSLMode:         c.Catalog.SSLMode,
		MaxConns:        c.Catalog.MaxConns,
		ConnectTimeout:  c.Catalog.ConnectTimeout,
		IdleTimeout:     c.Catalog.IdleTimeout,
		QueryTimeout:    c.Catalog.QueryTimeout,
		StartupAttempts: c.Catalog.StartupAttempts,
		StartupInterval: c.Catalog.StartupInterval,
	}
}

// BusConfig converts to the NATS client settings.
func (c *Config) BusConfig() bus.NATSConfig {
	return bus.NATSConfig{
		URL:           c.NATS.URL,
		Name:          c.ServiceID,
		MaxReconnects: c.NATS.MaxReconnects,
		ReconnectWait: c.NATS.ReconnectWait,
		DrainTimeout:  c.NATS.DrainTimeout,
	}
}
