package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/adapters/queue"
	"github.com/dataforeman/connectivity/internal/adapters/wal"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

func TestWaitForWALCapacityBlockThenSucceed(t *testing.T) {
	w := &mockWAL{sizes: []int64{150, 50}}
	h := NewHistorian(w, &mockQueue{}, &fakeSink{}, ports.Policy{
		MaxWALSizeBytes: 100,
		OnWALFull:       PolicyBlock,
		IdleSleep:       time.Millisecond,
	}, nil)

	require.True(t, h.waitForWALCapacity(context.Background()))
	assert.GreaterOrEqual(t, w.calls, 2, "stats polled until capacity frees")
}

func TestWaitForWALCapacityDrop(t *testing.T) {
	w := &mockWAL{sizes: []int64{200, 200}}
	h := NewHistorian(w, &mockQueue{}, &fakeSink{}, ports.Policy{
		MaxWALSizeBytes: 100,
		OnWALFull:       PolicyDrop,
	}, nil)

	assert.False(t, h.waitForWALCapacity(context.Background()), "drop policy gives up at once")
}

func TestWaitForWALCapacityBlockHonoursContext(t *testing.T) {
	w := &mockWAL{sizes: []int64{200}}
	h := NewHistorian(w, &mockQueue{}, &fakeSink{}, ports.Policy{
		MaxWALSizeBytes: 100,
		OnWALFull:       PolicyBlock,
		IdleSleep:       time.Millisecond,
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, h.waitForWALCapacity(ctx))
}

func TestEnqueueWithPolicyBlock(t *testing.T) {
	q := &mockQueue{}
	q.failures = 1
	h := NewHistorian(&mockWAL{}, q, &fakeSink{}, ports.Policy{
		OnQueueFull: PolicyBlock,
		IdleSleep:   time.Millisecond,
	}, nil)

	require.True(t, h.enqueueWithPolicy(context.Background(), 1, &domain.Point{}))
	assert.Equal(t, 2, q.calls)
}

func TestEnqueueWithPolicyDrop(t *testing.T) {
	q := &mockQueue{failAlways: true}
	h := NewHistorian(&mockWAL{}, q, &fakeSink{}, ports.Policy{OnQueueFull: PolicyDrop}, nil)

	assert.False(t, h.enqueueWithPolicy(context.Background(), 1, &domain.Point{}))
}

func TestOfferDropsWhenIntakeFull(t *testing.T) {
	obs := observability.NewPromObs()
	h := NewHistorian(&mockWAL{}, &mockQueue{}, &fakeSink{}, ports.Policy{MaxQueueLen: 1, OnQueueFull: PolicyDrop}, obs)

	assert.True(t, h.Offer(context.Background(), domain.Point{TagID: 1}))
	assert.False(t, h.Offer(context.Background(), domain.Point{TagID: 2}))
}

func TestHistorianStoresAndCommits(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir)
	require.NoError(t, err)
	defer w.Close()

	sink := &fakeSink{}
	h := NewHistorian(w, queue.NewRing(16), sink, ports.Policy{
		MaxQueueLen:  16,
		MaxBatchSize: 4,
		IdleSleep:    time.Millisecond,
		OnQueueFull:  PolicyBlock,
		OnWALFull:    PolicyBlock,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 6; i++ {
		require.True(t, h.Offer(ctx, domain.Point{ConnectionID: "c1", TagID: int64(i), TS: ts, V: float64(i)}))
	}

	assert.Eventually(t, func() bool { return sink.count() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		st := w.Stats()
		return st.OldestUncommitted > st.LatestAppended
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHistorianReplaysUncommittedOnStart(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := w.Append(&domain.Point{ConnectionID: "c1", TagID: int64(i), V: float64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, w.Commit(1))
	require.NoError(t, w.Close())

	w, err = wal.Open(dir)
	require.NoError(t, err)
	defer w.Close()

	sink := &fakeSink{}
	h := NewHistorian(w, queue.NewRing(8), sink, ports.Policy{MaxBatchSize: 10, IdleSleep: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	assert.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2, 3}, sink.tagIDs())
	cancel()
	require.NoError(t, <-done)
}

func TestHistorianHoldsBatchWhileSinkFails(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir)
	require.NoError(t, err)
	defer w.Close()

	sink := &fakeSink{}
	sink.failures.Store(2)
	h := NewHistorian(w, queue.NewRing(8), sink, ports.Policy{MaxBatchSize: 10, IdleSleep: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.True(t, h.Offer(ctx, domain.Point{ConnectionID: "c1", TagID: 7}))
	assert.Eventually(t, func() bool { return sink.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, sink.attempts.Load(), int32(3))
	cancel()
	require.NoError(t, <-done)
}

type mockWAL struct {
	ports.WAL
	sizes []int64
	calls int
}

func (m *mockWAL) Stats() ports.WALStats {
	if len(m.sizes) == 0 {
		return ports.WALStats{}
	}
	idx := m.calls
	if idx >= len(m.sizes) {
		idx = len(m.sizes) - 1
	}
	m.calls++
	return ports.WALStats{SizeBytes: m.sizes[idx]}
}

type mockQueue struct {
	failures   int32
	failAlways bool
	calls      int
}

func (m *mockQueue) Enqueue(ports.WALEntryID, *domain.Point) bool {
	m.calls++
	if m.failAlways {
		return false
	}
	if atomic.LoadInt32(&m.failures) > 0 {
		atomic.AddInt32(&m.failures, -1)
		return false
	}
	return true
}

func (m *mockQueue) DequeueBatch(int) []ports.QueuedPoint { return nil }
func (m *mockQueue) Len() int                             { return 0 }

type fakeSink struct {
	mu       sync.Mutex
	points   []*domain.Point
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *fakeSink) WriteBatch(_ context.Context, points []*domain.Point) error {
	f.attempts.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("sink unavailable")
	}
	f.mu.Lock()
	f.points = append(f.points, points...)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func (f *fakeSink) tagIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.points))
	for i, p := range f.points {
		out[i] = p.TagID
	}
	return out
}
