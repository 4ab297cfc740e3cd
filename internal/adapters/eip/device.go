// Package eip drives Logix controllers over EtherNet/IP.
package eip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danomagnum/gologix"
	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// Client is the subset of *gologix.Client the device uses.
type Client interface {
	Connect() error
	Disconnect() error
	ReadList(tagnames []string, types []any, elements []int) ([]any, error)
	ListAllTags(start uint32) error
}

// ClientFactory builds a session client for a connection.
type ClientFactory func(conn domain.Connection) (Client, error)

// Device is a Logix session. Reads are serialized by the scheduler; tag
// enumeration from request handlers shares the same lock.
type Device struct {
	newClient ClientFactory
	logger    zerolog.Logger

	mu        sync.Mutex
	conn      domain.Connection
	client    Client
	connected bool
	types     map[string]string
	tags      []domain.TagInfo
}

// NewDevice returns a device for conn. A nil factory selects gologix.
func NewDevice(conn domain.Connection, factory ClientFactory) *Device {
	if factory == nil {
		factory = newGologixClient
	}
	return &Device{
		newClient: factory,
		conn:      conn,
		logger:    log.WithConnection("eip", conn.ID),
	}
}

func newGologixClient(conn domain.Connection) (Client, error) {
	host := conn.Host
	if host == "" {
		host = conn.HostKey()
	}
	if host == "" {
		return nil, domain.Configuration("eip client", errors.New("host is required"))
	}
	c := gologix.NewClient(host)
	c.SocketTimeout = conn.Options.ReadTimeout()
	if conn.Options.Slot > 0 {
		path, err := gologix.Serialize(gologix.CIPPort{PortNo: 1}, gologix.CIPAddress(conn.Options.Slot))
		if err != nil {
			return nil, domain.Configuration("eip path", err)
		}
		c.Controller.Path = path
	}
	return &gologixClient{c}, nil
}

type gologixClient struct {
	*gologix.Client
}

func (g *gologixClient) SymbolTable() map[string]domain.TagInfo {
	out := make(map[string]domain.TagInfo, len(g.KnownTags))
	for _, kt := range g.KnownTags {
		info := domain.TagInfo{Path: kt.Name, Name: kt.Name, DataType: strings.ToUpper(kt.Info.Type.String())}
		if prog, name, ok := splitProgram(kt.Name); ok {
			info.Program = prog
			info.Name = name
		}
		out[strings.ToLower(kt.Name)] = info
	}
	return out
}

// SymbolSource is implemented by clients that expose the controller symbol
// table after ListAllTags, keyed by lower-cased tag path.
type SymbolSource interface {
	SymbolTable() map[string]domain.TagInfo
}

// Connect runs the blocking CIP connect in the background so ctx can abort it.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	client, err := d.newClient(conn)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect() }()

	select {
	case err := <-errCh:
		if err != nil {
			return domain.Transient("eip connect "+conn.Address(), err)
		}
	case <-ctx.Done():
		go func() {
			if <-errCh == nil {
				_ = client.Disconnect()
			}
		}()
		return domain.Transient("eip connect "+conn.Address(), ctx.Err())
	}

	d.mu.Lock()
	if d.client != nil {
		_ = d.client.Disconnect()
	}
	d.client = client
	d.connected = true
	d.mu.Unlock()
	d.logger.Info().Str("host", conn.Host).Int("slot", conn.Options.Slot).Msg("logix session open")
	return nil
}

func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Disconnect()
	d.client = nil
	d.connected = false
	return err
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Reconfigure applies option changes that do not need a new session.
func (d *Device) Reconfigure(conn domain.Connection) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

// ReadBatch issues one multi-service read. Tags whose type is unknown are
// resolved from the controller's symbol table first.
func (d *Device) ReadBatch(ctx context.Context, tags []domain.TagSubscription) ([]domain.ReadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil || !d.connected {
		return nil, domain.ErrNotConnected
	}

	results := make([]domain.ReadResult, len(tags))
	names := make([]string, 0, len(tags))
	types := make([]any, 0, len(tags))
	elements := make([]int, 0, len(tags))
	index := make([]int, 0, len(tags))

	for i, t := range tags {
		results[i].TagID = t.TagID
		dt := t.DataType
		if zeroValue(dt) == nil {
			dt = d.resolveLocked(t.TagPath)
		}
		zero := zeroValue(dt)
		if zero == nil {
			results[i].Err = fmt.Errorf("tag %q: unsupported data type %q: %w", t.TagPath, dt, domain.ErrUnsupported)
			results[i].Quality = domain.QualityBad
			continue
		}
		names = append(names, t.TagPath)
		types = append(types, zero)
		elements = append(elements, 1)
		index = append(index, i)
	}
	if len(names) == 0 {
		return results, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values, err := d.client.ReadList(names, types, elements)
	if err != nil {
		if isSessionLost(err) {
			d.connected = false
			d.logger.Warn().Err(err).Msg("logix session lost")
		}
		return nil, domain.Transient("eip read", err)
	}
	if len(values) != len(names) {
		return nil, domain.Transient("eip read", fmt.Errorf("got %d values for %d tags", len(values), len(names)))
	}
	for j, v := range values {
		results[index[j]].Value = v
		results[index[j]].Quality = domain.QualityGood
	}
	return results, nil
}

// EstimateSize counts the reply payload plus the symbolic request path.
func (d *Device) EstimateSize(tag domain.TagSubscription) int {
	return typeSize(tag.DataType) + 2 + len(tag.TagPath)
}

// ListTags enumerates the controller symbol table, caching it per session.
func (d *Device) ListTags(ctx context.Context, opts domain.ListTagsOptions) ([]domain.TagInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadTagsLocked(ctx, opts.Refresh); err != nil {
		return nil, err
	}
	out := make([]domain.TagInfo, len(d.tags))
	copy(out, d.tags)
	return out, nil
}

// ResolveTagTypes maps each known tag name to its controller data type.
func (d *Device) ResolveTagTypes(ctx context.Context, names []string) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadTagsLocked(ctx, false); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if dt, ok := d.types[strings.ToLower(n)]; ok {
			out[n] = dt
		}
	}
	return out, nil
}

func (d *Device) resolveLocked(path string) string {
	if d.types == nil {
		if err := d.loadTagsLocked(context.Background(), false); err != nil {
			d.logger.Debug().Err(err).Msg("symbol table unavailable")
			return ""
		}
	}
	return d.types[strings.ToLower(path)]
}

func (d *Device) loadTagsLocked(ctx context.Context, refresh bool) error {
	if d.types != nil && !refresh {
		return nil
	}
	if d.client == nil || !d.connected {
		return domain.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	if err := d.client.ListAllTags(0); err != nil {
		if isSessionLost(err) {
			d.connected = false
		}
		return domain.Transient("eip list tags", err)
	}
	src, ok := d.client.(SymbolSource)
	if !ok {
		return fmt.Errorf("eip list tags: %w", domain.ErrUnsupported)
	}
	known := src.SymbolTable()

	d.types = make(map[string]string, len(known))
	d.tags = make([]domain.TagInfo, 0, len(known))
	for key, info := range known {
		d.types[key] = info.DataType
		d.tags = append(d.tags, info)
	}
	sort.Slice(d.tags, func(i, j int) bool { return d.tags[i].Path < d.tags[j].Path })
	d.logger.Info().Int("tags", len(d.tags)).Dur("took", time.Since(start)).Msg("symbol table loaded")
	return nil
}

func splitProgram(name string) (program, tag string, ok bool) {
	if !strings.HasPrefix(strings.ToLower(name), "program:") {
		return "", name, false
	}
	rest := name[len("program:"):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return "", name, false
	}
	return rest[:dot], rest[dot+1:], true
}

func zeroValue(dataType string) any {
	switch strings.ToUpper(strings.TrimSpace(dataType)) {
	case "BOOL":
		return false
	case "SINT":
		return int8(0)
	case "INT":
		return int16(0)
	case "DINT":
		return int32(0)
	case "LINT":
		return int64(0)
	case "USINT", "BYTE":
		return uint8(0)
	case "UINT", "WORD":
		return uint16(0)
	case "UDINT", "DWORD":
		return uint32(0)
	case "ULINT", "LWORD":
		return uint64(0)
	case "REAL":
		return float32(0)
	case "LREAL":
		return float64(0)
	case "STRING":
		return ""
	}
	return nil
}

func typeSize(dataType string) int {
	switch strings.ToUpper(strings.TrimSpace(dataType)) {
	case "BOOL", "SINT", "USINT", "BYTE":
		return 1
	case "INT", "UINT", "WORD":
		return 2
	case "LINT", "ULINT", "LWORD", "LREAL":
		return 8
	case "STRING":
		return 88
	default:
		return 4
	}
}

func isSessionLost(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && !ne.Timeout()
}

var (
	_ ports.Device       = (*Device)(nil)
	_ ports.TagLister    = (*Device)(nil)
	_ ports.TypeResolver = (*Device)(nil)
)
