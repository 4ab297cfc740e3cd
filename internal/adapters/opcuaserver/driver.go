package opcuaserver

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dataforeman/connectivity/internal/app/polling"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// Device reads mirrored values from the gateway's latest-value cache.
type Device struct {
	cache ports.LatestValues
	space *Space
	open  atomic.Bool
}

func NewDevice(cache ports.LatestValues, space *Space) *Device {
	return &Device{cache: cache, space: space}
}

func (d *Device) Connect(context.Context) error {
	d.open.Store(true)
	return nil
}

func (d *Device) Close(context.Context) error {
	d.open.Store(false)
	return nil
}

func (d *Device) Connected() bool { return d.open.Load() }

// ReadBatch never fails as a whole. Sources without a value yet are pending.
func (d *Device) ReadBatch(_ context.Context, tags []domain.TagSubscription) ([]domain.ReadResult, error) {
	if !d.open.Load() {
		return nil, domain.ErrNotConnected
	}
	out := make([]domain.ReadResult, len(tags))
	for i, t := range tags {
		out[i].TagID = t.TagID
		conn, src, err := ParseSource(t.TagPath)
		if err != nil {
			out[i].Err = err
			out[i].Quality = domain.QualityBad
			continue
		}
		p, ok := d.cache.Latest(conn, src)
		if !ok {
			out[i].Pending = true
			continue
		}
		out[i].Value = p.V
		out[i].Quality = p.Q
		d.space.Update(t.TagID, p.V, p.Q, p.TS)
	}
	return out, nil
}

func (d *Device) EstimateSize(domain.TagSubscription) int { return 16 }

// Driver serves the mirrored address space and republishes it on its own
// connection id at each tag's poll rate.
type Driver struct {
	*polling.Driver
	space *Space
}

// Options configure an opcua-server driver.
type Options struct {
	Polling polling.Options
	Cache   ports.LatestValues
}

func NewDriver(conn domain.Connection, opts Options) *Driver {
	space := NewSpace()
	return &Driver{
		Driver: polling.NewDriver(conn, NewDevice(opts.Cache, space), opts.Polling),
		space:  space,
	}
}

// Factory adapts NewDriver to ports.DriverFactory.
func Factory(opts Options) ports.DriverFactory {
	return func(conn domain.Connection) (ports.Driver, error) {
		return NewDriver(conn, opts), nil
	}
}

// Space exposes the address space for tests and diagnostics.
func (d *Driver) Space() *Space { return d.space }

func (d *Driver) UpdateTagSubscriptions(tagsByGroup map[int64][]domain.TagSubscription) {
	var all []domain.TagSubscription
	for _, tags := range tagsByGroup {
		all = append(all, tags...)
	}
	d.space.Sync(all)
	d.Driver.UpdateTagSubscriptions(tagsByGroup)
}

// RemoveTag stops updates; the variable stays browseable flagged removed.
func (d *Driver) RemoveTag(tagID int64) error {
	d.space.MarkRemoved(tagID)
	return d.Driver.RemoveTag(tagID)
}

func (d *Driver) Browse(_ context.Context, node string) ([]domain.BrowseNode, error) {
	return d.space.Browse(strings.TrimSpace(node))
}

func (d *Driver) Attributes(_ context.Context, node string) (domain.NodeAttributes, error) {
	node = strings.TrimSpace(node)
	if node == "" {
		return domain.NodeAttributes{}, domain.RequestErr(domain.CodeMissingNode, "node is required")
	}
	return d.space.Attributes(node)
}

var (
	_ ports.Device      = (*Device)(nil)
	_ ports.Driver      = (*Driver)(nil)
	_ ports.NodeBrowser = (*Driver)(nil)
)
