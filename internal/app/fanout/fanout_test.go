package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/adapters/bus"
	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type statusRecord struct {
	id     string
	state  domain.ConnectionState
	reason string
	stats  *domain.Stats
}

type statusSink struct {
	mu  sync.Mutex
	got []statusRecord
}

func (s *statusSink) Publish(_ context.Context, id string, state domain.ConnectionState, reason string, stats *domain.Stats) {
	s.mu.Lock()
	s.got = append(s.got, statusRecord{id: id, state: state, reason: reason, stats: stats})
	s.mu.Unlock()
}

func (s *statusSink) all() []statusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusRecord(nil), s.got...)
}

type historian struct {
	mu     sync.Mutex
	points []domain.Point
}

func (h *historian) Offer(_ context.Context, p domain.Point) bool {
	h.mu.Lock()
	h.points = append(h.points, p)
	h.mu.Unlock()
	return true
}

func (h *historian) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.points)
}

// errorCounter counts driver errors the consumer has handled.
type errorCounter struct {
	observability.Nop
	mu   sync.Mutex
	errs int
}

func (e *errorCounter) IncConnCounter(name, _ string, v float64) {
	if name != observability.ConnErrors {
		return
	}
	e.mu.Lock()
	e.errs += int(v)
	e.mu.Unlock()
}

func (e *errorCounter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errs
}

type fixture struct {
	f      *Fanout
	bus    *bus.Memory
	status *statusSink
	hist   *historian
	errs   *errorCounter
	clock  *clock
	driver *testutil.Driver
}

// settle waits until the consumer has handled the given number of samples and
// errors, so clock changes after it only affect later observations.
func (fx *fixture) settle(t *testing.T, samples, errs int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(fx.bus.Messages(bus.RawSubject("c1"))) == samples && fx.errs.count() == errs
	}, time.Second, time.Millisecond)
}

func newFixture(t *testing.T, batchMax int) *fixture {
	return newFixtureWindow(t, batchMax, time.Hour)
}

func newFixtureWindow(t *testing.T, batchMax int, window time.Duration) *fixture {
	t.Helper()
	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st := &statusSink{}
	h := &historian{}
	ec := &errorCounter{}
	f := New(Config{
		Bus:            b,
		Status:         st,
		Historian:      h,
		Obs:            ec,
		Window:         window,
		FlushInterval:  time.Hour,
		BatchMaxPoints: batchMax,
		Now:            clk.Now,
	})
	t.Cleanup(f.Close)
	d := testutil.NewDriver(domain.Connection{ID: "c1", Type: "eip"})
	f.Attach(d)
	return &fixture{f: f, bus: b, status: st, hist: h, errs: ec, clock: clk, driver: d}
}

func sample(tag int64, ts time.Time, v any) domain.Observation {
	return domain.Observation{Sample: domain.Sample{TagID: tag, Timestamp: ts, Value: v}}
}

func TestSamplePublishedAsRawPoint(t *testing.T) {
	fx := newFixture(t, 100)
	ts := fx.clock.Now()
	require.NoError(t, fx.driver.Emit(sample(10, ts, 1.5)))

	require.Eventually(t, func() bool { return len(fx.bus.Messages(bus.RawSubject("c1"))) == 1 }, time.Second, 5*time.Millisecond)
	var p domain.Point
	require.NoError(t, json.Unmarshal(fx.bus.Messages(bus.RawSubject("c1"))[0].Data, &p))
	assert.Equal(t, "c1", p.ConnectionID)
	assert.Equal(t, int64(10), p.TagID)
	assert.Equal(t, 1.5, p.V)
	assert.True(t, ts.Equal(p.TS))

	require.Eventually(t, func() bool {
		_, ok := fx.f.Latest("c1", 10)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fx.hist.len())
}

func TestWindowRollPublishesConnectedStats(t *testing.T) {
	fx := newFixtureWindow(t, 100, time.Second)
	ts := fx.clock.Now()
	require.NoError(t, fx.driver.Emit(sample(10, ts, 1)))
	require.NoError(t, fx.driver.Emit(sample(11, ts, 2)))
	require.Eventually(t, func() bool { return len(fx.bus.Messages(bus.RawSubject("c1"))) == 2 }, time.Second, 5*time.Millisecond)

	fx.clock.Advance(2 * time.Second)
	require.NoError(t, fx.driver.Emit(sample(10, ts.Add(2*time.Second), 3)))

	require.Eventually(t, func() bool { return len(fx.status.all()) == 1 }, time.Second, 5*time.Millisecond)
	rec := fx.status.all()[0]
	assert.Equal(t, domain.StateConnected, rec.state)
	require.NotNil(t, rec.stats)
	assert.Equal(t, 3, rec.stats.Count)
	assert.InDelta(t, 1.5, rec.stats.RPS, 0.001)
	assert.Equal(t, int64(2000), rec.stats.WindowMs)
	require.NotNil(t, rec.stats.LastSeenTS)
	assert.True(t, rec.stats.LastSeenTS.Equal(ts.Add(2*time.Second)))
	require.NotNil(t, rec.stats.Driver)
	assert.Equal(t, 100, rec.stats.Driver.MaxBatch)

	// the batch is flushed on roll
	batches := fx.bus.Messages(bus.SubjectTelemetryBatch)
	require.Len(t, batches, 1)
	var b Batch
	require.NoError(t, json.Unmarshal(batches[0].Data, &b))
	assert.Equal(t, BatchSchema, b.Schema)
	assert.Equal(t, "eip", b.Source.Driver)
	assert.Len(t, b.Points, 3)
}

func TestErrorsWithoutSamplesPublishError(t *testing.T) {
	fx := newFixtureWindow(t, 100, time.Second)
	require.NoError(t, fx.driver.Emit(domain.Observation{Err: domain.Transient("read", errors.New("timeout"))}))
	fx.settle(t, 0, 1)
	fx.clock.Advance(1500 * time.Millisecond)
	require.NoError(t, fx.driver.Emit(domain.Observation{Err: domain.Transient("read", errors.New("timeout again"))}))

	require.Eventually(t, func() bool { return len(fx.status.all()) == 1 }, time.Second, 5*time.Millisecond)
	rec := fx.status.all()[0]
	assert.Equal(t, domain.StateError, rec.state)
	assert.Contains(t, rec.reason, "timeout again")
	assert.Equal(t, 2, rec.stats.Errors)
}

func TestTransientErrorsAmongSamplesStayConnected(t *testing.T) {
	fx := newFixtureWindow(t, 100, time.Second)
	ts := fx.clock.Now()
	require.NoError(t, fx.driver.Emit(sample(10, ts, 1)))
	require.NoError(t, fx.driver.Emit(domain.Observation{Err: domain.Transient("read", errors.New("busy"))}))
	fx.settle(t, 1, 1)
	fx.clock.Advance(time.Second)
	require.NoError(t, fx.driver.Emit(sample(10, ts.Add(time.Second), 2)))

	require.Eventually(t, func() bool { return len(fx.status.all()) == 1 }, time.Second, 5*time.Millisecond)
	rec := fx.status.all()[0]
	assert.Equal(t, domain.StateConnected, rec.state)
	assert.Equal(t, 1, rec.stats.Errors)
}

func TestFatalErrorPublishesError(t *testing.T) {
	fx := newFixtureWindow(t, 100, time.Second)
	ts := fx.clock.Now()
	require.NoError(t, fx.driver.Emit(sample(10, ts, 1)))
	require.NoError(t, fx.driver.Emit(domain.Observation{Err: domain.DriverFatal("reconnect", errors.New("unreachable"))}))
	fx.settle(t, 1, 1)
	fx.clock.Advance(time.Second)
	require.NoError(t, fx.driver.Emit(sample(10, ts.Add(time.Second), 2)))

	require.Eventually(t, func() bool { return len(fx.status.all()) == 1 }, time.Second, 5*time.Millisecond)
	rec := fx.status.all()[0]
	assert.Equal(t, domain.StateError, rec.state, "a fatal error wins over samples in the same window")
	assert.Contains(t, rec.reason, "unreachable")
	assert.Equal(t, 2, rec.stats.Count)
}

func TestBatchFlushesAtMaxPoints(t *testing.T) {
	fx := newFixture(t, 2)
	ts := fx.clock.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, fx.driver.Emit(sample(int64(i), ts, i)))
	}
	require.Eventually(t, func() bool { return len(fx.bus.Messages(bus.SubjectTelemetryBatch)) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDetachFlushesAndForgets(t *testing.T) {
	fx := newFixture(t, 100)
	require.NoError(t, fx.driver.Emit(sample(10, fx.clock.Now(), 1)))
	require.Eventually(t, func() bool {
		_, ok := fx.f.Latest("c1", 10)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.driver.Disconnect(context.Background()))
	fx.f.Detach("c1")

	_, ok := fx.f.Latest("c1", 10)
	assert.False(t, ok)
	assert.Len(t, fx.bus.Messages(bus.SubjectTelemetryBatch), 1)
}

func TestLastSeenIsMonotone(t *testing.T) {
	w := newWindow(time.Unix(0, 0))
	later := time.Unix(10, 0)
	w.add(10, later)
	w.add(10, time.Unix(5, 0))
	stats, _, _ := w.drain(time.Unix(1, 0))
	assert.True(t, stats.LastSeenTS.Equal(later))

	stats, _, _ = w.drain(time.Unix(2, 0))
	require.NotNil(t, stats.LastSeenTS)
	assert.True(t, stats.LastSeenTS.Equal(later), "last seen survives a drain")
}
