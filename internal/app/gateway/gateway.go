// Package gateway wires the connectivity service together and owns its
// lifecycle: startup order, HTTP listeners, background loops and shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dataforeman/connectivity/internal/adapters/bus"
	"github.com/dataforeman/connectivity/internal/adapters/catalog"
	"github.com/dataforeman/connectivity/internal/adapters/eip"
	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/adapters/opcua"
	"github.com/dataforeman/connectivity/internal/adapters/opcuaserver"
	"github.com/dataforeman/connectivity/internal/adapters/queue"
	"github.com/dataforeman/connectivity/internal/adapters/s7"
	"github.com/dataforeman/connectivity/internal/adapters/sink"
	"github.com/dataforeman/connectivity/internal/adapters/wal"
	"github.com/dataforeman/connectivity/internal/app/config"
	"github.com/dataforeman/connectivity/internal/app/fanout"
	"github.com/dataforeman/connectivity/internal/app/pipeline"
	"github.com/dataforeman/connectivity/internal/app/polling"
	"github.com/dataforeman/connectivity/internal/app/reconciler"
	"github.com/dataforeman/connectivity/internal/app/router"
	"github.com/dataforeman/connectivity/internal/app/supervisor"
	"github.com/dataforeman/connectivity/internal/app/tuning"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
	"github.com/dataforeman/connectivity/schemas"
)

// Option customizes the dependencies used by the Gateway.
type Option func(*overrides)

type overrides struct {
	bus       ports.Bus
	catalog   ports.Catalog
	sink      ports.Sink
	obs       ports.Observability
	factories map[domain.DriverKind]ports.DriverFactory
	discovery func() ports.DeviceDiscovery
	noListen  bool
}

// WithBus replaces the NATS client, e.g. with bus.Memory.
func WithBus(b ports.Bus) Option {
	return func(o *overrides) { o.bus = b }
}

// WithCatalog replaces the PostgreSQL catalog.
func WithCatalog(c ports.Catalog) Option {
	return func(o *overrides) { o.catalog = c }
}

// WithSink enables the historian with a custom sink instead of TimescaleDB.
func WithSink(s ports.Sink) Option {
	return func(o *overrides) { o.sink = s }
}

// WithObservability plugs in a metrics backend. The metrics listener only
// starts when the backend can serve HTTP.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.obs = obs }
}

// WithFactories replaces the protocol driver factories.
func WithFactories(f map[domain.DriverKind]ports.DriverFactory) Option {
	return func(o *overrides) { o.factories = f }
}

// WithDiscovery replaces the EtherNet/IP discovery helper.
func WithDiscovery(fn func() ports.DeviceDiscovery) Option {
	return func(o *overrides) { o.discovery = fn }
}

// WithoutListeners skips the health and metrics HTTP listeners.
func WithoutListeners() Option {
	return func(o *overrides) { o.noListen = true }
}

// Gateway is one running connectivity service.
type Gateway struct {
	cfg     *config.Config
	obs     ports.Observability
	schemas *schemas.Registry
	logger  zerolog.Logger

	bus        ports.Bus
	catalog    ports.Catalog
	status     *supervisor.Status
	fanout     *fanout.Fanout
	sup        *supervisor.Supervisor
	router     *router.Router
	tuning     *tuning.Applier
	reconciler *reconciler.Reconciler

	historian *pipeline.Historian
	wal       *wal.FileWAL
	sink      ports.Sink

	noListen   bool
	healthSrv  *http.Server
	metricsSrv *http.Server
	subs       []ports.Subscription
}

// New connects the catalog and the bus and builds every component. Nothing
// runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	var o overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	g := &Gateway{
		cfg:      cfg,
		obs:      o.obs,
		logger:   log.WithComponent("gateway"),
		noListen: o.noListen,
	}
	if g.obs == nil {
		g.obs = observability.NewPromObs()
	}

	reg, err := schemas.Load()
	if err != nil {
		return nil, err
	}
	g.schemas = reg

	if err := g.openCatalog(ctx, o.catalog); err != nil {
		return nil, err
	}
	if err := g.openBus(ctx, o.bus); err != nil {
		_ = g.catalog.Close()
		return nil, err
	}
	if err := g.openHistorian(ctx, o.sink); err != nil {
		g.closeBackends(ctx)
		return nil, err
	}

	g.status = supervisor.NewStatus(g.bus, g.obs)
	fcfg := fanout.Config{
		Bus:            g.bus,
		Status:         g.status,
		Obs:            g.obs,
		BatchMaxPoints: cfg.Gateway.BatchMaxPoints,
	}
	if g.historian != nil {
		fcfg.Historian = g.historian
	}
	g.fanout = fanout.New(fcfg)

	factories := o.factories
	if factories == nil {
		factories = g.defaultFactories()
	}
	g.sup = supervisor.New(supervisor.Config{
		Factories: factories,
		Catalog:   g.catalog,
		Status:    g.status,
		Telemetry: g.fanout,
		Obs:       g.obs,
	})

	discovery := o.discovery
	if discovery == nil {
		discovery = func() ports.DeviceDiscovery { return eip.NewDiscovery() }
	}
	g.router = router.New(router.Config{
		Bus:        g.bus,
		Schemas:    g.schemas,
		Supervisor: g.sup,
		Discovery:  discovery,
		Obs:        g.obs,
		Timeout:    cfg.Gateway.RequestTimeout,
	})
	g.tuning = tuning.New(g.sup)
	g.reconciler = reconciler.New(g.catalog, g.sup, g.obs, cfg.EffectiveReconcileInterval())
	return g, nil
}

func (g *Gateway) openCatalog(ctx context.Context, override ports.Catalog) error {
	if override != nil {
		g.catalog = override
		return nil
	}
	pg, err := catalog.Open(ctx, g.cfg.CatalogConfig())
	if err != nil {
		return err
	}
	g.catalog = pg
	return nil
}

func (g *Gateway) openBus(ctx context.Context, override ports.Bus) error {
	if override != nil {
		g.bus = override
		return nil
	}
	nc := bus.NewNATS(g.cfg.BusConfig())
	if err := nc.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	g.bus = nc
	return nil
}

// openHistorian builds the store-and-forward pipeline when a sink is
// configured or injected.
func (g *Gateway) openHistorian(ctx context.Context, override ports.Sink) error {
	hc := g.cfg.Historian
	if override == nil && !hc.Enabled() {
		return nil
	}
	w, err := wal.Open(hc.WALDir)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	snk := override
	if snk == nil {
		ts, err := sink.OpenTimescale(ctx, hc.URL, hc.Table)
		if err != nil {
			_ = w.Close()
			return err
		}
		if err := ts.EnsureSchema(ctx); err != nil {
			_ = ts.Close()
			_ = w.Close()
			return err
		}
		snk = ts
	}
	g.wal = w
	g.sink = snk
	g.historian = pipeline.NewHistorian(w, queue.NewRing(hc.Policy.MaxQueueLen), snk, hc.Policy, g.obs)
	g.logger.Info().Str("sink", snk.Name()).Str("wal_dir", hc.WALDir).Msg("historian enabled")
	return nil
}

func (g *Gateway) defaultFactories() map[domain.DriverKind]ports.DriverFactory {
	pollOpts := polling.Options{
		Tuning:          g.cfg.Tuning,
		ChannelCapacity: g.cfg.Gateway.ChannelCapacity,
	}
	return map[domain.DriverKind]ports.DriverFactory{
		domain.KindEIP: eip.Factory(eip.Options{
			Polling:     pollOpts,
			SnapshotTTL: g.cfg.Gateway.SnapshotTTL,
		}),
		domain.KindOPCUAClient: opcua.Factory(opcua.Options{Polling: pollOpts}),
		// S7 sizes its own batches from the PDU limits.
		domain.KindS7: s7.Factory(s7.Options{
			Polling: polling.Options{ChannelCapacity: g.cfg.Gateway.ChannelCapacity},
		}),
		domain.KindOPCUAServer: opcuaserver.Factory(opcuaserver.Options{
			Polling: pollOpts,
			Cache:   g.fanout,
		}),
	}
}

// Supervisor exposes the connection supervisor, mainly for tests.
func (g *Gateway) Supervisor() *supervisor.Supervisor { return g.sup }

// Reconciler exposes the reconciler, mainly for tests.
func (g *Gateway) Reconciler() *reconciler.Reconciler { return g.reconciler }

// Start subscribes every bus consumer and enables the catalog's connections.
func (g *Gateway) Start(ctx context.Context) error {
	subs, err := g.sup.Listen(ctx, g.bus, g.schemas)
	if err != nil {
		return fmt.Errorf("subscribe connection events: %w", err)
	}
	g.subs = append(g.subs, subs...)

	subs, err = g.router.Start(ctx)
	if err != nil {
		return fmt.Errorf("start request router: %w", err)
	}
	g.subs = append(g.subs, subs...)

	sub, err := g.tuning.Listen(ctx, g.bus, g.schemas)
	if err != nil {
		return fmt.Errorf("subscribe tuning: %w", err)
	}
	g.subs = append(g.subs, sub)

	if err := g.sup.Start(ctx); err != nil {
		return err
	}
	g.logger.Info().
		Str("service", g.cfg.ServiceID).
		Int("connections", g.sup.Len()).
		Dur("reconcile_interval", g.reconciler.Interval()).
		Msg("gateway started")
	return nil
}

// Run starts the gateway and blocks until ctx is cancelled, then shuts down
// gracefully. Only startup failures are returned.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		g.Shutdown(context.Background())
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	if !g.noListen {
		g.startListeners(grp)
	}
	grp.Go(func() error { return g.reconciler.Run(gctx) })
	if g.historian != nil {
		grp.Go(func() error { return g.historian.Run(gctx) })
	}

	<-gctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Gateway.ShutdownTimeout)
	defer cancel()
	g.stop(shutdownCtx)

	err := grp.Wait()
	g.closeBackends(shutdownCtx)
	g.logger.Info().Msg("gateway stopped")
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	return nil
}

func (g *Gateway) startListeners(grp *errgroup.Group) {
	g.healthSrv = &http.Server{
		Addr:              g.cfg.ListenAddr(),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grp.Go(func() error { return serve(g.healthSrv) })

	if h, ok := g.obs.(interface{ Handler() http.Handler }); ok {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h.Handler())
		g.metricsSrv = &http.Server{
			Addr:              g.cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		grp.Go(func() error { return serve(g.metricsSrv) })
	}
	g.logger.Info().Str("health", g.cfg.ListenAddr()).Str("metrics", g.cfg.Metrics.Addr).Msg("listeners started")
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

// Shutdown disconnects every driver, then closes the catalog and the bus.
// Failures are logged, never returned.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.stop(ctx)
	g.closeBackends(ctx)
	g.logger.Info().Msg("gateway stopped")
}

// stop ends intake: bus consumers, listeners, drivers and telemetry.
func (g *Gateway) stop(ctx context.Context) {
	for _, s := range g.subs {
		_ = s.Unsubscribe()
	}
	g.subs = nil

	for _, srv := range []*http.Server{g.healthSrv, g.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Warn().Err(err).Str("addr", srv.Addr).Msg("http shutdown")
		}
	}

	if err := g.sup.Shutdown(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("driver shutdown incomplete")
	}
	g.fanout.Close()
}

func (g *Gateway) closeBackends(ctx context.Context) {
	var errs []error
	if g.wal != nil {
		errs = append(errs, g.wal.Close())
	}
	if c, ok := g.sink.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if g.catalog != nil {
		errs = append(errs, g.catalog.Close())
	}
	if g.bus != nil {
		errs = append(errs, g.bus.Close(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		g.logger.Warn().Err(err).Msg("backend close")
	}
}
