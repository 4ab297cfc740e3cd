package s7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/robinson/gos7"
	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/app/polling"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

const (
	DefaultPort = 102
	// maxItemsPerRequest is the S7 multi-variable read limit.
	maxItemsPerRequest = 20
)

// Session is one ISO-on-TCP connection.
type Session interface {
	Connect() error
	Close() error
	ReadMulti(items []gos7.S7DataItem) error
}

// SessionFactory builds a session for a connection.
type SessionFactory func(conn domain.Connection) (Session, error)

type gos7Session struct {
	handler *gos7.TCPClientHandler
	client  gos7.Client
}

func newGos7Session(conn domain.Connection) (Session, error) {
	if conn.Host == "" {
		return nil, domain.Configuration("s7 session", errors.New("host is required"))
	}
	port := conn.Port
	if port <= 0 {
		port = DefaultPort
	}
	h := gos7.NewTCPClientHandler(net.JoinHostPort(conn.Host, strconv.Itoa(port)), conn.Options.Rack, conn.Options.Slot)
	h.Timeout = conn.Options.ReadTimeout()
	h.IdleTimeout = 0
	return &gos7Session{handler: h}, nil
}

func (s *gos7Session) Connect() error {
	if err := s.handler.Connect(); err != nil {
		return err
	}
	s.client = gos7.NewClient(s.handler)
	return nil
}

func (s *gos7Session) Close() error { return s.handler.Close() }

func (s *gos7Session) ReadMulti(items []gos7.S7DataItem) error {
	if s.client == nil {
		return domain.ErrNotConnected
	}
	return s.client.AGReadMulti(items, len(items))
}

// Device reads S7 operands in multi-variable requests.
type Device struct {
	newSession SessionFactory
	logger     zerolog.Logger

	mu        sync.Mutex
	conn      domain.Connection
	session   Session
	connected bool
	addrs     map[string]Address
}

// NewDevice returns a device for conn. A nil factory selects gos7.
func NewDevice(conn domain.Connection, factory SessionFactory) *Device {
	if factory == nil {
		factory = newGos7Session
	}
	return &Device{
		newSession: factory,
		conn:       conn,
		logger:     log.WithConnection("s7", conn.ID),
		addrs:      make(map[string]Address),
	}
}

func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	s, err := d.newSession(conn)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect() }()
	select {
	case err := <-errCh:
		if err != nil {
			return domain.Transient("s7 connect "+conn.Address(), err)
		}
	case <-ctx.Done():
		go func() {
			if <-errCh == nil {
				_ = s.Close()
			}
		}()
		return domain.Transient("s7 connect "+conn.Address(), ctx.Err())
	}

	d.mu.Lock()
	if d.session != nil {
		_ = d.session.Close()
	}
	d.session = s
	d.connected = true
	d.mu.Unlock()
	d.logger.Info().Str("host", conn.Host).Int("rack", conn.Options.Rack).Int("slot", conn.Options.Slot).Msg("s7 session open")
	return nil
}

func (d *Device) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	d.connected = false
	return err
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Device) Reconfigure(conn domain.Connection) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

// ReadBatch splits tags into requests of at most 20 items. Item-level
// failures reported by the PLC stay per tag.
func (d *Device) ReadBatch(ctx context.Context, tags []domain.TagSubscription) ([]domain.ReadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil || !d.connected {
		return nil, domain.ErrNotConnected
	}

	results := make([]domain.ReadResult, len(tags))
	items := make([]gos7.S7DataItem, 0, len(tags))
	addrs := make([]Address, 0, len(tags))
	index := make([]int, 0, len(tags))
	for i, t := range tags {
		results[i].TagID = t.TagID
		a, err := d.addressLocked(t)
		if err != nil {
			results[i].Err = err
			results[i].Quality = domain.QualityBad
			continue
		}
		items = append(items, gos7.S7DataItem{
			Area:     a.Area,
			WordLen:  wordLenByte,
			DBNumber: a.DBNumber,
			Start:    a.Start,
			Amount:   a.Size(),
			Data:     make([]byte, a.Size()),
		})
		addrs = append(addrs, a)
		index = append(index, i)
	}

	for lo := 0; lo < len(items); lo += maxItemsPerRequest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := lo + maxItemsPerRequest
		if hi > len(items) {
			hi = len(items)
		}
		if err := d.session.ReadMulti(items[lo:hi]); err != nil {
			if isSessionLost(err) {
				d.connected = false
				d.logger.Warn().Err(err).Msg("s7 session lost")
			}
			return nil, domain.Transient("s7 read", err)
		}
	}

	for j, it := range items {
		r := &results[index[j]]
		if it.Error != "" {
			r.Err = fmt.Errorf("s7 %s: %s", tags[index[j]].TagPath, it.Error)
			r.Quality = domain.QualityBad
			continue
		}
		v, err := addrs[j].Decode(it.Data)
		if err != nil {
			r.Err = err
			r.Quality = domain.QualityBad
			continue
		}
		r.Value = v
		r.Quality = domain.QualityGood
	}
	return results, nil
}

// EstimateSize adds the 4-byte item header of a read response.
func (d *Device) EstimateSize(tag domain.TagSubscription) int {
	a, err := ParseAddress(tag.TagPath, tag.DataType)
	if err != nil {
		return 4
	}
	return a.Size() + 4
}

func (d *Device) addressLocked(t domain.TagSubscription) (Address, error) {
	key := t.TagPath + "|" + t.DataType
	if a, ok := d.addrs[key]; ok {
		return a, nil
	}
	a, err := ParseAddress(t.TagPath, t.DataType)
	if err != nil {
		return Address{}, err
	}
	d.addrs[key] = a
	return a, nil
}

func isSessionLost(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && !ne.Timeout()
}

// Driver is the S7 variant of the generic poll loop.
type Driver struct {
	*polling.Driver
}

// Options configure an S7 driver.
type Options struct {
	Polling polling.Options
	Session SessionFactory
}

func NewDriver(conn domain.Connection, opts Options) *Driver {
	if opts.Polling.Tuning.MaxBatch == 0 {
		opts.Polling.Tuning = domain.DefaultTuning()
		opts.Polling.Tuning.MaxBatch = maxItemsPerRequest
		opts.Polling.Tuning.ByteBudget = 900
	}
	return &Driver{Driver: polling.NewDriver(conn, NewDevice(conn, opts.Session), opts.Polling)}
}

// Factory adapts NewDriver to ports.DriverFactory.
func Factory(opts Options) ports.DriverFactory {
	return func(conn domain.Connection) (ports.Driver, error) {
		return NewDriver(conn, opts), nil
	}
}

var (
	_ ports.Device = (*Device)(nil)
	_ ports.Driver = (*Driver)(nil)
)
