package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// Driver is a ports.Driver that records every call and never touches a device.
type Driver struct {
	ConnectErr error
	RemoveErr  error
	// PanicOn names a method that panics when called.
	PanicOn string
	// ListActive overrides ListActiveTagIDs.
	ListActive func() []int64

	mu        sync.Mutex
	conn      domain.Connection
	groups    []domain.PollGroup
	tags      map[int64]domain.TagSubscription
	tuning    domain.TuningParameters
	connected bool
	closed    bool
	calls     []string
	obs       chan domain.Observation
	closeOnce sync.Once
}

func NewDriver(conn domain.Connection) *Driver {
	return &Driver{
		conn:   conn,
		tags:   make(map[int64]domain.TagSubscription),
		tuning: domain.DefaultTuning(),
		obs:    make(chan domain.Observation, 1024),
	}
}

// Registry hands out Drivers by connection id and remembers every one built.
type Registry struct {
	mu      sync.Mutex
	built   map[string][]*Driver
	Prepare func(d *Driver)
}

func NewRegistry() *Registry {
	return &Registry{built: make(map[string][]*Driver)}
}

// Factory is a ports.DriverFactory producing Drivers.
func (r *Registry) Factory(conn domain.Connection) (ports.Driver, error) {
	d := NewDriver(conn)
	if r.Prepare != nil {
		r.Prepare(d)
	}
	r.mu.Lock()
	r.built[conn.ID] = append(r.built[conn.ID], d)
	r.mu.Unlock()
	return d, nil
}

// Latest returns the most recent driver built for id.
func (r *Registry) Latest(id string) *Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := r.built[id]
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1]
}

// Built counts drivers built for id.
func (r *Registry) Built(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.built[id])
}

func (d *Driver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	panicOn := d.PanicOn
	d.mu.Unlock()
	if panicOn == call {
		panic("driver " + call + " exploded")
	}
}

// Calls lists method names in call order.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Driver) ConnectionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.ID
}

func (d *Driver) Kind() domain.DriverKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.Kind()
}

func (d *Driver) Connect(context.Context) error {
	d.record("Connect")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConnectErr != nil {
		return d.ConnectErr
	}
	d.connected = true
	return nil
}

func (d *Driver) Disconnect(context.Context) error {
	d.record("Disconnect")
	d.mu.Lock()
	d.connected = false
	d.closed = true
	d.mu.Unlock()
	d.closeOnce.Do(func() { close(d.obs) })
	return nil
}

// Closed reports whether Disconnect ran.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) UpdateConfig(conn domain.Connection) error {
	d.record("UpdateConfig")
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return nil
}

func (d *Driver) UpdatePollGroups(groups []domain.PollGroup) {
	d.record("UpdatePollGroups")
	d.mu.Lock()
	d.groups = append([]domain.PollGroup(nil), groups...)
	d.mu.Unlock()
}

func (d *Driver) UpdateTagSubscriptions(tagsByGroup map[int64][]domain.TagSubscription) {
	d.record("UpdateTagSubscriptions")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags = make(map[int64]domain.TagSubscription)
	for _, tags := range tagsByGroup {
		for _, t := range tags {
			d.tags[t.TagID] = t
		}
	}
}

// InjectTag schedules a tag the catalog does not know about.
func (d *Driver) InjectTag(t domain.TagSubscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags[t.TagID] = t
}

func (d *Driver) RemoveTag(tagID int64) error {
	d.record("RemoveTag")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RemoveErr != nil {
		return d.RemoveErr
	}
	if _, ok := d.tags[tagID]; !ok {
		return fmt.Errorf("remove tag %d: %w", tagID, domain.ErrTagNotFound)
	}
	delete(d.tags, tagID)
	return nil
}

func (d *Driver) ListActiveTagIDs() []int64 {
	d.mu.Lock()
	hook := d.ListActive
	d.mu.Unlock()
	if hook != nil {
		return hook()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int64, 0, len(d.tags))
	for id := range d.tags {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Driver) Observations() <-chan domain.Observation { return d.obs }

// Emit pushes an observation as the poll loop would.
func (d *Driver) Emit(o domain.Observation) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errors.New("driver closed")
	}
	d.obs <- o
	return nil
}

func (d *Driver) Metrics() domain.SchedulerMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.SchedulerMetrics{TuningParameters: d.tuning, TotalShards: len(d.tags)}
}

func (d *Driver) ConnectionStatus() domain.DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.DriverStatus{
		Kind:        d.conn.Kind(),
		Endpoint:    d.conn.Address(),
		SessionLive: d.connected,
		ActiveTags:  len(d.tags),
		PollGroups:  len(d.groups),
	}
}

func (d *Driver) UpdateTuning(patch domain.TuningPatch) domain.TuningParameters {
	d.record("UpdateTuning")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tuning = patch.Apply(d.tuning)
	return d.tuning
}

func (d *Driver) Tuning() domain.TuningParameters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tuning
}

// PollGroups returns the last groups pushed.
func (d *Driver) PollGroups() []domain.PollGroup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.PollGroup(nil), d.groups...)
}

var _ ports.Driver = (*Driver)(nil)
