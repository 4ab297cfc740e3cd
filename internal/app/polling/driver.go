package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
	"github.com/dataforeman/connectivity/pkg/retry"
)

// Reconfigurable devices accept hot option changes without a new session.
type Reconfigurable interface {
	Reconfigure(conn domain.Connection)
}

// Options tune the generic driver loop.
type Options struct {
	Tuning          domain.TuningParameters
	ChannelCapacity int
	// MaxIdle bounds the loop wait when no group is scheduled.
	MaxIdle   time.Duration
	Reconnect retry.Config
	Now       func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Tuning.IsZero() {
		o.Tuning = domain.DefaultTuning()
	}
	if o.ChannelCapacity <= 0 {
		o.ChannelCapacity = 4096
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = time.Second
	}
	if o.Reconnect.MaxAttempts == 0 {
		o.Reconnect = retry.Config{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		}
	}
}

// Driver is the protocol-independent ports.Driver built on a Device and a Scheduler.
// Protocol packages embed it and add their optional capabilities.
type Driver struct {
	kind   domain.DriverKind
	device ports.Device
	sched  *Scheduler
	opts   Options
	obs    chan domain.Observation
	logger zerolog.Logger

	overflow atomic.Uint64

	mu            sync.Mutex
	conn          domain.Connection
	cancel        context.CancelFunc
	done          chan struct{}
	closed        bool
	lastErr       string
	lastConnectAt time.Time
	reconnects    int

	closeObs sync.Once
}

// NewDriver wires a device into a scheduler for one connection.
func NewDriver(conn domain.Connection, device ports.Device, opts Options) *Driver {
	opts.applyDefaults()
	d := &Driver{
		kind:   conn.Kind(),
		device: device,
		opts:   opts,
		conn:   conn,
		obs:    make(chan domain.Observation, opts.ChannelCapacity),
		logger: log.WithConnection("driver", conn.ID).With().Str("driver", string(conn.Kind())).Logger(),
	}
	d.sched = NewScheduler(device, SchedulerConfig{
		Tuning:      opts.Tuning,
		ReadTimeout: conn.Options.ReadTimeout(),
		Now:         opts.Now,
		Emit:        d.push,
	})
	return d
}

func (d *Driver) ConnectionID() string { return d.connection().ID }

func (d *Driver) Kind() domain.DriverKind { return d.kind }

// Scheduler exposes the engine for protocol packages and tests.
func (d *Driver) Scheduler() *Scheduler { return d.sched }

// Device returns the underlying device session.
func (d *Driver) Device() ports.Device { return d.device }

func (d *Driver) connection() domain.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// Connect opens the device session and starts the poll loop. The loop keeps
// reconnecting in the background even when this first attempt fails.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("driver closed")
	}
	timeout := d.conn.Options.ConnectTimeout()
	d.mu.Unlock()

	var err error
	if !d.device.Connected() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err = d.device.Connect(cctx)
		cancel()
		if err != nil {
			d.recordErr(err)
		} else {
			d.markConnected(false)
		}
	}

	d.mu.Lock()
	if d.cancel == nil && !d.closed {
		loopCtx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.done = make(chan struct{})
		go d.run(loopCtx, d.done)
	}
	d.mu.Unlock()

	if err != nil {
		return domain.DriverFatal("connect "+d.connection().Address(), err)
	}
	return nil
}

// Disconnect stops the loop, cancels in-flight reads and closes the session.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		d.closeObservations()
	} else {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn().Msg("poll loop did not stop before deadline")
		}
	}
	return d.device.Close(ctx)
}

// closeObservations ends the observation stream. With a loop running only the
// loop closes it, after its last push.
func (d *Driver) closeObservations() {
	d.closeObs.Do(func() { close(d.obs) })
}

func (d *Driver) UpdateConfig(conn domain.Connection) error {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.sched.SetReadTimeout(conn.Options.ReadTimeout())
	if r, ok := d.device.(Reconfigurable); ok {
		r.Reconfigure(conn)
	}
	return nil
}

func (d *Driver) UpdatePollGroups(groups []domain.PollGroup) { d.sched.SetPollGroups(groups) }

func (d *Driver) UpdateTagSubscriptions(tagsByGroup map[int64][]domain.TagSubscription) {
	added, removed := d.sched.SetTags(tagsByGroup)
	if len(added) > 0 || len(removed) > 0 {
		d.logger.Debug().Int("added", len(added)).Int("removed", len(removed)).Msg("subscriptions updated")
	}
}

func (d *Driver) RemoveTag(tagID int64) error {
	if !d.sched.RemoveTag(tagID) {
		return fmt.Errorf("remove tag %d: %w", tagID, domain.ErrTagNotFound)
	}
	return nil
}

func (d *Driver) ListActiveTagIDs() []int64 { return d.sched.ActiveTagIDs() }

// TagPaths implements ports.TagPathIndex.
func (d *Driver) TagPaths() map[int64]string { return d.sched.TagPaths() }

func (d *Driver) Observations() <-chan domain.Observation { return d.obs }

func (d *Driver) Metrics() domain.SchedulerMetrics {
	m := d.sched.Metrics()
	m.Overflow = d.overflow.Load()
	return m
}

func (d *Driver) ConnectionStatus() domain.DriverStatus {
	conn := d.connection()
	d.mu.Lock()
	defer d.mu.Unlock()
	st := domain.DriverStatus{
		Kind:        d.kind,
		Endpoint:    conn.Address(),
		SessionLive: d.device.Connected(),
		LastError:   d.lastErr,
		Reconnects:  d.reconnects,
		ActiveTags:  len(d.sched.ActiveTagIDs()),
		PollGroups:  d.sched.GroupCount(),
	}
	if !d.lastConnectAt.IsZero() {
		at := d.lastConnectAt
		st.LastConnectAt = &at
	}
	return st
}

func (d *Driver) UpdateTuning(patch domain.TuningPatch) domain.TuningParameters {
	return d.sched.UpdateTuning(patch)
}

func (d *Driver) Tuning() domain.TuningParameters { return d.sched.Tuning() }

// push delivers to the bounded observation channel, dropping the oldest
// pending observation when full. Only the loop goroutine produces, and it
// also owns closing the channel.
func (d *Driver) push(o domain.Observation) {
	for {
		select {
		case d.obs <- o:
			return
		default:
		}
		select {
		case <-d.obs:
			d.overflow.Add(1)
		default:
		}
	}
}

func (d *Driver) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer d.closeObservations()
	for {
		if ctx.Err() != nil {
			return
		}
		if !d.device.Connected() && !d.reconnect(ctx) {
			if !sleepCtx(ctx, d.opts.Reconnect.MaxDelay) {
				return
			}
			continue
		}

		d.sched.Tick(ctx)

		wait := d.opts.MaxIdle
		if next, ok := d.sched.NextDue(); ok {
			wait = time.Until(next)
			if d.opts.Now != nil {
				wait = next.Sub(d.opts.Now())
			}
			if wait > d.opts.MaxIdle {
				wait = d.opts.MaxIdle
			}
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.sched.Wake():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// reconnect runs one retry round; it reports whether the session is up.
func (d *Driver) reconnect(ctx context.Context) bool {
	cfg := d.opts.Reconnect
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		d.logger.Debug().Err(err).Int("attempt", attempt).Dur("next", next).Msg("reconnect failed")
	}
	timeout := d.connection().Options.ConnectTimeout()
	err := retry.Do(ctx, cfg, func() error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.device.Connect(cctx)
	})
	if err != nil {
		if ctx.Err() == nil {
			d.recordErr(err)
			d.logger.Warn().Err(err).Msg("device unreachable")
			d.push(domain.Observation{Err: domain.DriverFatal("reconnect", err)})
		}
		return false
	}
	d.markConnected(true)
	d.logger.Info().Msg("device session re-established")
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Driver) recordErr(err error) {
	d.mu.Lock()
	d.lastErr = err.Error()
	d.mu.Unlock()
}

func (d *Driver) markConnected(reconnect bool) {
	d.mu.Lock()
	d.lastErr = ""
	d.lastConnectAt = time.Now().UTC()
	if reconnect {
		d.reconnects++
	}
	d.mu.Unlock()
}

var (
	_ ports.Driver       = (*Driver)(nil)
	_ ports.TagPathIndex = (*Driver)(nil)
)
