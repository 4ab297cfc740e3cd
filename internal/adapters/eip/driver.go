package eip

import (
	"context"
	"time"

	"github.com/dataforeman/connectivity/internal/app/polling"
	"github.com/dataforeman/connectivity/internal/app/snapshot"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// Driver is the Logix variant: the generic poll loop plus symbol-table
// enumeration and paginated snapshots.
type Driver struct {
	*polling.Driver
	device    *Device
	snapshots *snapshot.Registry
}

// Options configure an EIP driver.
type Options struct {
	Polling     polling.Options
	Client      ClientFactory
	SnapshotTTL time.Duration
}

func NewDriver(conn domain.Connection, opts Options) *Driver {
	dev := NewDevice(conn, opts.Client)
	return &Driver{
		Driver:    polling.NewDriver(conn, dev, opts.Polling),
		device:    dev,
		snapshots: snapshot.New(opts.SnapshotTTL),
	}
}

// Factory adapts NewDriver to ports.DriverFactory.
func Factory(opts Options) ports.DriverFactory {
	return func(conn domain.Connection) (ports.Driver, error) {
		return NewDriver(conn, opts), nil
	}
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.snapshots.DeleteOwner(d.ConnectionID())
	return d.Driver.Disconnect(ctx)
}

func (d *Driver) ListTags(ctx context.Context, opts domain.ListTagsOptions) ([]domain.TagInfo, error) {
	tags, err := d.device.ListTags(ctx, opts)
	if err != nil {
		return nil, err
	}
	return snapshot.Filter(tags, opts.Scope, opts.Search), nil
}

func (d *Driver) ResolveTagTypes(ctx context.Context, names []string) (map[string]string, error) {
	return d.device.ResolveTagTypes(ctx, names)
}

// CreateSnapshot always re-reads the symbol table.
func (d *Driver) CreateSnapshot(ctx context.Context) (domain.SnapshotInfo, error) {
	tags, err := d.device.ListTags(ctx, domain.ListTagsOptions{Refresh: true})
	if err != nil {
		return domain.SnapshotInfo{}, err
	}
	return d.snapshots.Create(d.ConnectionID(), tags), nil
}

func (d *Driver) PageSnapshot(req domain.PageRequest) (domain.SnapshotPage, error) {
	return d.snapshots.Page(d.ConnectionID(), req)
}

func (d *Driver) HeartbeatSnapshot(id string) error {
	_, err := d.snapshots.Heartbeat(d.ConnectionID(), id)
	return err
}

func (d *Driver) DeleteSnapshot(id string) error {
	return d.snapshots.Delete(d.ConnectionID(), id)
}

var (
	_ ports.Driver           = (*Driver)(nil)
	_ ports.TagLister        = (*Driver)(nil)
	_ ports.TypeResolver     = (*Driver)(nil)
	_ ports.SnapshotProvider = (*Driver)(nil)
	_ ports.TagPathIndex     = (*Driver)(nil)
)
