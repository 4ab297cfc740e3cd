package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/pkg/retry"
)

func testConn() domain.Connection {
	return domain.Connection{ID: "c1", Type: "eip", Enabled: true, Host: "10.0.0.5"}
}

func TestDriverPollsAfterConnect(t *testing.T) {
	dev := newFakeDevice()
	d := NewDriver(testConn(), dev, Options{})
	d.UpdatePollGroups([]domain.PollGroup{{ID: 1, PollRateMs: 20, Active: true}})
	d.UpdateTagSubscriptions(map[int64][]domain.TagSubscription{1: tagsInGroup(1, 10, 11)})

	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })

	seen := map[int64]int{}
	deadline := time.After(2 * time.Second)
	for seen[10] < 2 || seen[11] < 2 {
		select {
		case o := <-d.Observations():
			require.NoError(t, o.Err)
			seen[o.Sample.TagID]++
		case <-deadline:
			t.Fatalf("timed out waiting for samples: %v", seen)
		}
	}

	st := d.ConnectionStatus()
	assert.True(t, st.SessionLive)
	assert.Equal(t, 2, st.ActiveTags)
	assert.Equal(t, 1, st.PollGroups)
	assert.NotNil(t, st.LastConnectAt)
}

func TestDriverDisconnectClosesObservations(t *testing.T) {
	dev := newFakeDevice()
	d := NewDriver(testConn(), dev, Options{})
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Disconnect(context.Background()))

	for range d.Observations() {
	}
	assert.True(t, dev.closed)
	assert.Error(t, d.Connect(context.Background()))
}

// slowDevice finishes reads long after their context is cancelled.
type slowDevice struct {
	*fakeDevice
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (d *slowDevice) ReadBatch(ctx context.Context, tags []domain.TagSubscription) ([]domain.ReadResult, error) {
	d.once.Do(func() { close(d.started) })
	time.Sleep(d.delay)
	return d.fakeDevice.ReadBatch(context.Background(), tags)
}

func TestDriverDisconnectDeadlineWithReadInFlight(t *testing.T) {
	dev := &slowDevice{fakeDevice: newFakeDevice(), delay: 300 * time.Millisecond, started: make(chan struct{})}
	d := NewDriver(testConn(), dev, Options{})
	d.UpdatePollGroups([]domain.PollGroup{{ID: 1, PollRateMs: 20, Active: true}})
	d.UpdateTagSubscriptions(map[int64][]domain.TagSubscription{1: tagsInGroup(1, 10, 11)})
	require.NoError(t, d.Connect(context.Background()))

	select {
	case <-dev.started:
	case <-time.After(2 * time.Second):
		t.Fatal("read never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Disconnect(ctx))

	var samples int
	deadline := time.After(2 * time.Second)
	for {
		select {
		case o, ok := <-d.Observations():
			if !ok {
				assert.Zero(t, samples, "reads finishing after disconnect are dropped")
				return
			}
			if o.Err == nil {
				samples++
			}
		case <-deadline:
			t.Fatal("observation channel never closed")
		}
	}
}

func TestDriverDisconnectWithoutLoopClosesObservations(t *testing.T) {
	d := NewDriver(testConn(), newFakeDevice(), Options{})
	require.NoError(t, d.Disconnect(context.Background()))
	_, ok := <-d.Observations()
	assert.False(t, ok)
}

func TestDriverConnectFailureIsDriverFatal(t *testing.T) {
	dev := newFakeDevice()
	dev.connErr = errors.New("connection refused")
	d := NewDriver(testConn(), dev, Options{Reconnect: retry.Fixed(1, 10*time.Millisecond)})
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindDriverFatal))
	assert.Contains(t, d.ConnectionStatus().LastError, "connection refused")
}

func TestDriverReconnectsInBackground(t *testing.T) {
	dev := newFakeDevice()
	dev.connErr = errors.New("unreachable")
	d := NewDriver(testConn(), dev, Options{Reconnect: retry.Fixed(2, 5*time.Millisecond)})
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })

	require.Error(t, d.Connect(context.Background()))

	dev.mu.Lock()
	dev.connErr = nil
	dev.mu.Unlock()

	assert.Eventually(t, func() bool {
		return d.ConnectionStatus().Reconnects >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, d.ConnectionStatus().SessionLive)
}

func TestDriverObservationOverflowDropsOldest(t *testing.T) {
	d := NewDriver(testConn(), newFakeDevice(), Options{ChannelCapacity: 2})
	for i := int64(1); i <= 5; i++ {
		d.push(domain.Observation{Sample: domain.Sample{TagID: i}})
	}

	assert.Equal(t, uint64(3), d.Metrics().Overflow)
	first := <-d.Observations()
	second := <-d.Observations()
	assert.Equal(t, int64(4), first.Sample.TagID)
	assert.Equal(t, int64(5), second.Sample.TagID)
}

func TestDriverRemoveTag(t *testing.T) {
	d := NewDriver(testConn(), newFakeDevice(), Options{})
	d.UpdateTagSubscriptions(map[int64][]domain.TagSubscription{1: tagsInGroup(1, 10, 11)})

	require.NoError(t, d.RemoveTag(11))
	assert.ErrorIs(t, d.RemoveTag(11), domain.ErrTagNotFound)
	assert.Equal(t, []int64{10}, d.ListActiveTagIDs())
	assert.Equal(t, map[int64]string{10: "T"}, d.TagPaths())
}

func TestDriverUpdateTuning(t *testing.T) {
	d := NewDriver(testConn(), newFakeDevice(), Options{})
	n := 20
	got := d.UpdateTuning(domain.TuningPatch{MaxBatch: &n})
	assert.Equal(t, 20, got.MaxBatch)
	assert.Equal(t, 20, d.Tuning().MaxBatch)
	assert.Equal(t, 20, d.Metrics().MaxBatch)
	assert.Equal(t, 8, d.Tuning().PerTagOverhead, "unset tuning starts from defaults")
}
