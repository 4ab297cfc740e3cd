// Package supervisor owns the lifecycle of every connection's driver:
// creation, hot updates, tag changes and teardown, serialized per connection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// Telemetry consumes a driver's observations for the lifetime of its session.
type Telemetry interface {
	Attach(d ports.Driver)
	// Detach flushes and forgets a connection once its driver is disconnected.
	Detach(connectionID string)
}

// Config wires a Supervisor.
type Config struct {
	Factories         map[domain.DriverKind]ports.DriverFactory
	Catalog           ports.Catalog
	Status            *Status
	Telemetry         Telemetry
	Obs               ports.Observability
	DisconnectTimeout time.Duration
	// StartupParallelism bounds concurrent enables in Start.
	StartupParallelism int
}

type entry struct {
	driver ports.Driver
	conn   domain.Connection
}

// Supervisor is the only writer of the connection map and host registry.
type Supervisor struct {
	factories   map[domain.DriverKind]ports.DriverFactory
	catalog     ports.Catalog
	status      *Status
	telemetry   Telemetry
	obs         ports.Observability
	hosts       *Hosts
	boxes       *mailboxes
	discTimeout time.Duration
	parallelism int
	logger      zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*entry
	active map[string]int
}

func New(cfg Config) *Supervisor {
	if cfg.Obs == nil {
		cfg.Obs = observability.Nop{}
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 10 * time.Second
	}
	if cfg.StartupParallelism <= 0 {
		cfg.StartupParallelism = 8
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = nopTelemetry{}
	}
	return &Supervisor{
		factories:   cfg.Factories,
		catalog:     cfg.Catalog,
		status:      cfg.Status,
		telemetry:   cfg.Telemetry,
		obs:         cfg.Obs,
		hosts:       NewHosts(),
		boxes:       newMailboxes(),
		discTimeout: cfg.DisconnectTimeout,
		parallelism: cfg.StartupParallelism,
		logger:      log.WithComponent("supervisor"),
		conns:       make(map[string]*entry),
		active:      make(map[string]int),
	}
}

// Start enables every connection the catalog lists as enabled. Individual
// failures are logged; the gateway keeps running.
func (s *Supervisor) Start(ctx context.Context) error {
	conns, err := s.catalog.ListEnabledConnections(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, c := range conns {
		conn := c
		g.Go(func() error {
			if err := s.Enable(gctx, conn); err != nil {
				s.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("enable at startup failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info().Int("enabled", len(conns)).Int("live", s.Len()).Msg("startup enumeration complete")
	return nil
}

// Enable builds, connects and subscribes a driver for conn. An already live
// connection is updated instead.
func (s *Supervisor) Enable(ctx context.Context, conn domain.Connection) error {
	return s.do(ctx, conn.ID, "enable", func(ctx context.Context) error {
		return s.enable(ctx, conn)
	})
}

// Update applies a changed record, creating the driver when absent.
func (s *Supervisor) Update(ctx context.Context, conn domain.Connection) error {
	return s.Enable(ctx, conn)
}

// Disable tears the driver down and publishes disabled.
func (s *Supervisor) Disable(ctx context.Context, connectionID string) error {
	return s.do(ctx, connectionID, "disable", func(ctx context.Context) error {
		return s.teardown(ctx, connectionID, domain.StateDisabled, "")
	})
}

// EnsureEnabled returns the resident driver, enabling it from the catalog
// when absent. Unknown or inactive connections yield a not_found request error.
func (s *Supervisor) EnsureEnabled(ctx context.Context, connectionID string) (ports.Driver, error) {
	if d, ok := s.Driver(connectionID); ok {
		return d, nil
	}
	conn, err := s.catalog.GetConnection(ctx, connectionID)
	if errors.Is(err, domain.ErrConnectionNotFound) {
		return nil, domain.RequestErr(domain.CodeNotFound, "connection %s not found", connectionID)
	}
	if err != nil {
		return nil, err
	}
	if !conn.Active() {
		return nil, domain.RequestErr(domain.CodeNotFound, "connection %s is not enabled", connectionID)
	}
	if err := s.Enable(ctx, conn); err != nil {
		s.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("auto-enable reported an error")
	}
	if d, ok := s.Driver(connectionID); ok {
		return d, nil
	}
	return nil, domain.RequestErr(domain.CodeNotFound, "connection %s not found", connectionID)
}

// Do runs fn against the resident driver inside the connection's mailbox.
func (s *Supervisor) Do(ctx context.Context, connectionID string, fn func(ctx context.Context, d ports.Driver) error) error {
	return s.do(ctx, connectionID, "do", func(ctx context.Context) error {
		d, ok := s.Driver(connectionID)
		if !ok {
			return domain.ErrConnectionNotFound
		}
		return fn(ctx, d)
	})
}

// Shutdown disconnects every driver. Failures are collected, never fatal.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, id := range s.IDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.do(ctx, id, "shutdown", func(ctx context.Context) error {
				return s.teardown(ctx, id, domain.StateDisconnected, "shutdown")
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Driver returns the resident driver of a connection.
func (s *Supervisor) Driver(connectionID string) (ports.Driver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.conns[connectionID]
	if !ok {
		return nil, false
	}
	return e.driver, true
}

// Connection returns the record the live driver was built from.
func (s *Supervisor) Connection(connectionID string) (domain.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.conns[connectionID]
	if !ok {
		return domain.Connection{}, false
	}
	return e.conn, true
}

// Drivers snapshots the live drivers ordered by connection id.
func (s *Supervisor) Drivers() []ports.Driver {
	s.mu.RLock()
	out := make([]ports.Driver, 0, len(s.conns))
	for _, e := range s.conns {
		out = append(out, e.driver)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID() < out[j].ConnectionID() })
	return out
}

// IDs lists live connection ids, sorted.
func (s *Supervisor) IDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ActiveOps is the number of running or queued-and-started operations on a connection.
func (s *Supervisor) ActiveOps(connectionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[connectionID]
}

func (s *Supervisor) Hosts() *Hosts { return s.hosts }

func (s *Supervisor) Status() *Status { return s.status }

// do runs fn in the connection's mailbox. A panic in fn is converted into an
// error status instead of taking the process down.
func (s *Supervisor) do(ctx context.Context, id, op string, fn func(context.Context) error) error {
	if id == "" {
		return domain.Configuration(op, errors.New("missing connection id"))
	}
	return s.boxes.do(ctx, id, func() (err error) {
		s.trackActive(id, 1)
		defer s.trackActive(id, -1)
		defer func() {
			if r := recover(); r != nil {
				s.obs.IncCounter(observability.SupervisorPanics, 1)
				err = fmt.Errorf("%s %s: panic: %v", op, id, r)
				s.logger.Error().Str("connection_id", id).Str("op", op).Interface("panic", r).Msg("operation panicked")
				s.status.Publish(context.WithoutCancel(ctx), id, domain.StateError, err.Error(), nil)
			}
		}()
		return fn(ctx)
	})
}

func (s *Supervisor) trackActive(id string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] += delta
	if s.active[id] <= 0 {
		delete(s.active, id)
	}
}

func (s *Supervisor) entry(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.conns[id]
	return e, ok
}

func (s *Supervisor) enable(ctx context.Context, conn domain.Connection) error {
	logger := s.logger.With().Str("connection_id", conn.ID).Logger()
	if !conn.Active() {
		logger.Debug().Msg("connection not active, nothing to enable")
		return nil
	}
	if e, ok := s.entry(conn.ID); ok {
		return s.update(ctx, e, conn)
	}

	kind := conn.Kind()
	factory, ok := s.factories[kind]
	if !ok {
		logger.Warn().Str("type", conn.Type).Msg("unsupported driver kind, ignoring connection")
		return nil
	}
	d, err := factory(conn)
	if err != nil {
		s.status.Publish(ctx, conn.ID, domain.StateError, err.Error(), nil)
		return fmt.Errorf("build %s driver: %w", kind, err)
	}

	s.telemetry.Attach(d)
	s.pushPollGroups(ctx, d)
	connErr := d.Connect(ctx)
	n := s.pushTags(ctx, d, conn.ID)

	s.hosts.Register(conn.HostKey(), conn.ID)
	s.mu.Lock()
	s.conns[conn.ID] = &entry{driver: d, conn: conn}
	live := len(s.conns)
	s.mu.Unlock()
	s.obs.SetGauge(observability.ActiveConnections, float64(live))

	if connErr != nil {
		logger.Warn().Err(connErr).Msg("driver connect failed, retrying in background")
		s.status.Publish(ctx, conn.ID, domain.StateError, connErr.Error(), nil)
		return connErr
	}
	logger.Info().Str("driver", string(kind)).Int("tags", n).Str("endpoint", conn.Address()).Msg("connection enabled")
	s.status.Publish(ctx, conn.ID, domain.StateConnected, "", nil)
	return nil
}

func (s *Supervisor) update(ctx context.Context, e *entry, conn domain.Connection) error {
	if !conn.Active() {
		return s.teardown(ctx, conn.ID, domain.StateDisabled, "")
	}
	if e.conn.Kind() != conn.Kind() || e.conn.SessionKey() != conn.SessionKey() {
		s.logger.Info().Str("connection_id", conn.ID).Msg("session settings changed, rebuilding driver")
		if err := s.teardown(ctx, conn.ID, "", ""); err != nil {
			return err
		}
		return s.enable(ctx, conn)
	}

	if err := e.driver.UpdateConfig(conn); err != nil {
		s.status.Publish(ctx, conn.ID, domain.StateError, err.Error(), nil)
		return err
	}
	s.pushPollGroups(ctx, e.driver)
	s.pushTags(ctx, e.driver, conn.ID)
	if idx, ok := e.driver.(ports.TagPathIndex); ok {
		s.logger.Debug().Str("connection_id", conn.ID).Int("paths", len(idx.TagPaths())).Msg("tag path map refreshed")
	}

	s.mu.Lock()
	e.conn = conn
	s.mu.Unlock()
	s.status.Publish(ctx, conn.ID, domain.StateConnected, "", nil)
	return nil
}

// teardown disconnects and drops a connection. An empty state publishes nothing.
func (s *Supervisor) teardown(ctx context.Context, id string, state domain.ConnectionState, reason string) error {
	s.mu.Lock()
	e, ok := s.conns[id]
	delete(s.conns, id)
	live := len(s.conns)
	s.mu.Unlock()

	var err error
	if ok {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.discTimeout)
		err = e.driver.Disconnect(dctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("connection_id", id).Msg("disconnect reported an error")
		}
		s.telemetry.Detach(id)
		s.hosts.Unregister(e.conn.HostKey(), id)
		s.obs.ForgetConnection(id)
		s.obs.SetGauge(observability.ActiveConnections, float64(live))
		s.logger.Info().Str("connection_id", id).Msg("connection torn down")
	}
	if state != "" {
		s.status.Publish(context.WithoutCancel(ctx), id, state, reason, nil)
	}
	return err
}

func (s *Supervisor) pushPollGroups(ctx context.Context, d ports.Driver) {
	groups, err := s.catalog.GetPollGroups(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("connection_id", d.ConnectionID()).Msg("poll groups unavailable")
		return
	}
	d.UpdatePollGroups(groups)
}

func (s *Supervisor) pushTags(ctx context.Context, d ports.Driver, id string) int {
	tags, err := s.catalog.GetTagsByConnection(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("connection_id", id).Msg("tag subscriptions unavailable")
		return 0
	}
	d.UpdateTagSubscriptions(domain.GroupByPollGroup(tags))
	s.obs.SetConnGauge(observability.ConnActiveTags, id, float64(len(tags)))
	return len(tags)
}

type nopTelemetry struct{}

func (nopTelemetry) Attach(ports.Driver) {}
func (nopTelemetry) Detach(string)       {}
