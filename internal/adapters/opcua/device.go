package opcua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// Device polls node values with batched Read service calls.
type Device struct {
	newSession SessionFactory
	logger     zerolog.Logger

	mu      sync.Mutex
	conn    domain.Connection
	session Session
	nodes   map[string]*ua.NodeID
}

// NewDevice returns a device for conn. A nil factory selects gopcua.
func NewDevice(conn domain.Connection, factory SessionFactory) *Device {
	if factory == nil {
		factory = newGopcuaSession
	}
	return &Device{
		newSession: factory,
		conn:       conn,
		logger:     log.WithConnection("opcua", conn.ID),
		nodes:      make(map[string]*ua.NodeID),
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
	if err := s.Connect(ctx); err != nil {
		_ = s.Close(context.Background())
		return domain.Transient("opcua connect "+conn.Endpoint, err)
	}

	d.mu.Lock()
	old := d.session
	d.session = s
	d.mu.Unlock()
	if old != nil {
		_ = old.Close(ctx)
	}
	d.logger.Info().Str("endpoint", conn.Endpoint).
		Str("security_mode", normalizeSecurityMode(conn.Options.SecurityMode)).
		Msg("opcua session open")
	return nil
}

func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	return s != nil && s.Live()
}

func (d *Device) Reconfigure(conn domain.Connection) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

func (d *Device) current() (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, domain.ErrNotConnected
	}
	return d.session, nil
}

// ReadBatch reads the Value attribute of every tag in one request. Bad node
// ids and bad status codes become per-item errors.
func (d *Device) ReadBatch(ctx context.Context, tags []domain.TagSubscription) ([]domain.ReadResult, error) {
	s, err := d.current()
	if err != nil {
		return nil, err
	}

	results := make([]domain.ReadResult, len(tags))
	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        make([]*ua.ReadValueID, 0, len(tags)),
	}
	index := make([]int, 0, len(tags))
	for i, t := range tags {
		results[i].TagID = t.TagID
		nid, err := d.nodeID(t.TagPath)
		if err != nil {
			results[i].Err = err
			results[i].Quality = domain.QualityBad
			continue
		}
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeIDValue})
		index = append(index, i)
	}
	if len(index) == 0 {
		return results, nil
	}

	resp, err := s.Read(ctx, req)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, ua.StatusBadSessionIDInvalid) || errors.Is(err, ua.StatusBadConnectionClosed) {
			d.logger.Warn().Err(err).Msg("opcua session lost")
		}
		return nil, domain.Transient("opcua read", err)
	}
	if resp == nil || len(resp.Results) != len(index) {
		got := 0
		if resp != nil {
			got = len(resp.Results)
		}
		return nil, domain.Transient("opcua read", fmt.Errorf("got %d results for %d nodes", got, len(index)))
	}
	for j, dv := range resp.Results {
		r := &results[index[j]]
		if dv == nil {
			r.Err = fmt.Errorf("node %s: empty data value", tags[index[j]].TagPath)
			r.Quality = domain.QualityBad
			continue
		}
		r.Quality = statusQuality(dv.Status)
		if dv.Status != ua.StatusOK && r.Quality >= domain.QualityBad {
			r.Err = statusErr(tags[index[j]].TagPath, dv.Status)
			continue
		}
		if dv.Value != nil {
			r.Value = variantValue(dv.Value)
		}
	}
	return results, nil
}

// EstimateSize is the value size plus the status and two timestamps.
func (d *Device) EstimateSize(tag domain.TagSubscription) int {
	return valueSize(tag.DataType) + 4 + 16 + 1
}

func (d *Device) nodeID(path string) (*ua.NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[path]; ok {
		return n, nil
	}
	n, err := parseNodeID(path)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", path, err)
	}
	d.nodes[path] = n
	return n, nil
}

func (d *Device) Browse(ctx context.Context, node string) ([]domain.BrowseNode, error) {
	s, err := d.current()
	if err != nil {
		return nil, err
	}
	nid, err := parseNode(node)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	nodes, err := s.Browse(ctx, nid)
	if err != nil {
		return nil, domain.Transient("opcua browse "+nid.String(), err)
	}
	d.logger.Debug().Str("node", nid.String()).Int("children", len(nodes)).Dur("took", time.Since(start)).Msg("browsed")
	return nodes, nil
}

func (d *Device) Attributes(ctx context.Context, node string) (domain.NodeAttributes, error) {
	if strings.TrimSpace(node) == "" {
		return domain.NodeAttributes{}, domain.RequestErr(domain.CodeMissingNode, "node is required")
	}
	s, err := d.current()
	if err != nil {
		return domain.NodeAttributes{}, err
	}
	nid, err := parseNode(node)
	if err != nil {
		return domain.NodeAttributes{}, err
	}
	attrs, err := s.Attributes(ctx, nid)
	if err != nil {
		return domain.NodeAttributes{}, domain.Transient("opcua attributes "+nid.String(), err)
	}
	return attrs, nil
}

func variantValue(v *ua.Variant) any {
	switch val := v.Value().(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *ua.LocalizedText:
		return val.Text
	case *ua.NodeID:
		return val.String()
	case []byte:
		return string(val)
	default:
		return val
	}
}

func valueSize(dataType string) int {
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "boolean", "bool", "sbyte", "byte":
		return 1
	case "int16", "uint16":
		return 2
	case "int64", "uint64", "double", "datetime", "lreal":
		return 8
	case "string", "localizedtext":
		return 64
	default:
		return 4
	}
}

var (
	_ ports.Device      = (*Device)(nil)
	_ ports.NodeBrowser = (*Device)(nil)
)
