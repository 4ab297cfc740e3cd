// Package fanout turns driver observations into bus telemetry, per-connection
// rate statistics and status events.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// BatchSchema identifies telemetry batch payloads.
const BatchSchema = "telemetry.batch@v1"

// StatusPublisher emits connection status events.
type StatusPublisher interface {
	Publish(ctx context.Context, connectionID string, state domain.ConnectionState, reason string, stats *domain.Stats)
}

// Historian accepts points for store-and-forward.
type Historian interface {
	Offer(ctx context.Context, p domain.Point) bool
}

// Config wires a Fanout.
type Config struct {
	Bus       ports.Bus
	Status    StatusPublisher
	Historian Historian
	Obs       ports.Observability
	// Window is the stats period; never below one second.
	Window time.Duration
	// FlushInterval rolls idle-but-pending windows; defaults to Window.
	FlushInterval  time.Duration
	BatchMaxPoints int
	DetachTimeout  time.Duration
	Now            func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Window < time.Second {
		c.Window = time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = c.Window
	}
	if c.BatchMaxPoints <= 0 {
		c.BatchMaxPoints = 500
	}
	if c.DetachTimeout <= 0 {
		c.DetachTimeout = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Obs == nil {
		c.Obs = observability.Nop{}
	}
}

// Fanout consumes every attached driver on its own goroutine, so samples of
// one connection are published in production order.
type Fanout struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*consumer

	latestMu sync.RWMutex
	latest   map[domain.SubscriptionKey]domain.Point
}

func New(cfg Config) *Fanout {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: log.WithComponent("fanout"),
		conns:  make(map[string]*consumer),
		latest: make(map[domain.SubscriptionKey]domain.Point),
	}
}

// Attach starts consuming d's observations until the channel closes.
func (f *Fanout) Attach(d ports.Driver) {
	c := &consumer{
		f:      f,
		driver: d,
		id:     d.ConnectionID(),
		done:   make(chan struct{}),
		window: newWindow(f.cfg.Now()),
		logger: log.WithConnection("fanout", d.ConnectionID()),
	}
	f.mu.Lock()
	f.conns[c.id] = c
	f.mu.Unlock()
	go c.run(f.ctx)
}

// Detach waits for the connection's consumer to drain, then forgets its
// cached values.
func (f *Fanout) Detach(connectionID string) {
	f.mu.Lock()
	c, ok := f.conns[connectionID]
	delete(f.conns, connectionID)
	f.mu.Unlock()
	if ok {
		select {
		case <-c.done:
		case <-time.After(f.cfg.DetachTimeout):
			c.logger.Warn().Msg("consumer still draining after detach")
		}
	}

	f.latestMu.Lock()
	for k := range f.latest {
		if k.ConnectionID == connectionID {
			delete(f.latest, k)
		}
	}
	f.latestMu.Unlock()
}

// Latest implements ports.LatestValues.
func (f *Fanout) Latest(connectionID string, tagID int64) (domain.Point, bool) {
	f.latestMu.RLock()
	defer f.latestMu.RUnlock()
	p, ok := f.latest[domain.SubscriptionKey{ConnectionID: connectionID, TagID: tagID}]
	return p, ok
}

// Close stops every consumer.
func (f *Fanout) Close() {
	f.cancel()
}

func (f *Fanout) remember(p domain.Point) {
	f.latestMu.Lock()
	f.latest[domain.SubscriptionKey{ConnectionID: p.ConnectionID, TagID: p.TagID}] = p
	f.latestMu.Unlock()
}

func (f *Fanout) publish(ctx context.Context, subject string, v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	if err := f.cfg.Bus.Publish(ctx, subject, data); err != nil {
		f.cfg.Obs.IncCounter(observability.PublishErrors, 1)
		return len(data), err
	}
	return len(data), nil
}

var _ ports.LatestValues = (*Fanout)(nil)
