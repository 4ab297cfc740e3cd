package opcua

import (
	"context"

	"github.com/dataforeman/connectivity/internal/app/polling"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// Driver is the OPC UA client variant: the generic poll loop plus browsing.
type Driver struct {
	*polling.Driver
	device *Device
}

// Options configure an OPC UA driver.
type Options struct {
	Polling polling.Options
	Session SessionFactory
}

func NewDriver(conn domain.Connection, opts Options) *Driver {
	dev := NewDevice(conn, opts.Session)
	return &Driver{Driver: polling.NewDriver(conn, dev, opts.Polling), device: dev}
}

// Factory adapts NewDriver to ports.DriverFactory.
func Factory(opts Options) ports.DriverFactory {
	return func(conn domain.Connection) (ports.Driver, error) {
		return NewDriver(conn, opts), nil
	}
}

func (d *Driver) Browse(ctx context.Context, node string) ([]domain.BrowseNode, error) {
	return d.device.Browse(ctx, node)
}

func (d *Driver) Attributes(ctx context.Context, node string) (domain.NodeAttributes, error) {
	return d.device.Attributes(ctx, node)
}

var (
	_ ports.Driver      = (*Driver)(nil)
	_ ports.NodeBrowser = (*Driver)(nil)
)
