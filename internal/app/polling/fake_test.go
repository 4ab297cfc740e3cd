package polling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dataforeman/connectivity/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeDevice struct {
	mu        sync.Mutex
	connected bool
	connErr   error
	values    map[int64]any
	fail      func(tags []domain.TagSubscription) error
	calls     [][]int64
	closed    bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{values: map[int64]any{}}
}

func (f *fakeDevice) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connErr != nil {
		return f.connErr
	}
	f.connected = true
	return nil
}

func (f *fakeDevice) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	return nil
}

func (f *fakeDevice) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDevice) ReadBatch(_ context.Context, tags []domain.TagSubscription) ([]domain.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, len(tags))
	for i, t := range tags {
		ids[i] = t.TagID
	}
	f.calls = append(f.calls, ids)
	if !f.connected {
		return nil, domain.ErrNotConnected
	}
	if f.fail != nil {
		if err := f.fail(tags); err != nil {
			return nil, err
		}
	}
	out := make([]domain.ReadResult, len(tags))
	for i, t := range tags {
		v, ok := f.values[t.TagID]
		if !ok {
			v = float64(t.TagID)
		}
		out[i] = domain.ReadResult{TagID: t.TagID, Value: v}
	}
	return out, nil
}

func (f *fakeDevice) EstimateSize(domain.TagSubscription) int { return 4 }

func (f *fakeDevice) set(id int64, v any) {
	f.mu.Lock()
	f.values[id] = v
	f.mu.Unlock()
}

func (f *fakeDevice) callLog() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]int64, len(f.calls))
	copy(out, f.calls)
	return out
}

var errTooLarge = errors.New("response too large")

type recorder struct {
	mu      sync.Mutex
	samples []domain.Sample
	errs    []error
}

func (r *recorder) emit(o domain.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.Err != nil {
		r.errs = append(r.errs, o.Err)
		return
	}
	r.samples = append(r.samples, o.Sample)
}

func (r *recorder) byTag() map[int64][]domain.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64][]domain.Sample{}
	for _, s := range r.samples {
		out[s.TagID] = append(out[s.TagID], s)
	}
	return out
}

func tagsInGroup(group int64, ids ...int64) []domain.TagSubscription {
	out := make([]domain.TagSubscription, len(ids))
	for i, id := range ids {
		out[i] = domain.TagSubscription{TagID: id, PollGroupID: group, DataType: "REAL", TagPath: "T"}
	}
	return out
}
