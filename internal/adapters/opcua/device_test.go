package opcua

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/domain"
)

type fakeSession struct {
	live       bool
	connectErr error
	readErr    error
	values     map[string]*ua.DataValue
	requests   []*ua.ReadRequest
	browsed    []string
	children   []domain.BrowseNode
}

func (f *fakeSession) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.live = true
	return nil
}

func (f *fakeSession) Close(context.Context) error {
	f.live = false
	return nil
}

func (f *fakeSession) Live() bool { return f.live }

func (f *fakeSession) Read(_ context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	f.requests = append(f.requests, req)
	if f.readErr != nil {
		return nil, f.readErr
	}
	resp := &ua.ReadResponse{}
	for _, n := range req.NodesToRead {
		resp.Results = append(resp.Results, f.values[n.NodeID.String()])
	}
	return resp, nil
}

func (f *fakeSession) Browse(_ context.Context, node *ua.NodeID) ([]domain.BrowseNode, error) {
	f.browsed = append(f.browsed, node.String())
	return f.children, nil
}

func (f *fakeSession) Attributes(_ context.Context, node *ua.NodeID) (domain.NodeAttributes, error) {
	return domain.NodeAttributes{NodeID: node.String(), BrowseName: "Temperature", NodeClass: "Variable"}, nil
}

func connectedDevice(t *testing.T, fs *fakeSession) *Device {
	t.Helper()
	dev := NewDevice(domain.Connection{ID: "ua-1", Endpoint: "opc.tcp://srv:4840"}, func(domain.Connection) (Session, error) {
		return fs, nil
	})
	require.NoError(t, dev.Connect(context.Background()))
	return dev
}

func TestReadBatch(t *testing.T) {
	fs := &fakeSession{values: map[string]*ua.DataValue{
		"ns=2;s=Temp":  {Value: ua.MustVariant(float64(21.5)), Status: ua.StatusOK},
		"ns=2;s=Count": {Value: ua.MustVariant(int32(4)), Status: ua.StatusOK},
		"ns=2;s=Gone":  {Status: ua.StatusBadNodeIDUnknown},
	}}
	dev := connectedDevice(t, fs)

	res, err := dev.ReadBatch(context.Background(), []domain.TagSubscription{
		{TagID: 1, TagPath: "ns=2;s=Temp"},
		{TagID: 2, TagPath: "not a node id"},
		{TagID: 3, TagPath: "ns=2;s=Count"},
		{TagID: 4, TagPath: "ns=2;s=Gone"},
	})
	require.NoError(t, err)
	require.Len(t, res, 4)

	assert.Equal(t, 21.5, res[0].Value)
	assert.Equal(t, domain.QualityGood, res[0].Quality)
	assert.Error(t, res[1].Err)
	assert.Equal(t, int32(4), res[2].Value)
	assert.Error(t, res[3].Err)
	assert.GreaterOrEqual(t, uint32(res[3].Quality), uint32(domain.QualityBad))

	require.Len(t, fs.requests, 1)
	assert.Len(t, fs.requests[0].NodesToRead, 3)
	assert.Equal(t, ua.TimestampsToReturnBoth, fs.requests[0].TimestampsToReturn)
}

func TestParseNodeIDRequiresExplicitForm(t *testing.T) {
	for _, ok := range []string{"i=2258", "ns=2;s=Temp", "ns=2;s=Motor.Speed", "ns=0;i=85"} {
		n, err := parseNodeID(ok)
		require.NoError(t, err, ok)
		assert.NotNil(t, n)
	}
	for _, bad := range []string{"not a node id", "", "ns=2", "ns=2;Temp", "x=1", "Temp"} {
		_, err := parseNodeID(bad)
		assert.ErrorIs(t, err, errNodeIDSyntax, bad)
	}
}

func TestReadBatchUncertainKeepsValue(t *testing.T) {
	fs := &fakeSession{values: map[string]*ua.DataValue{
		"ns=2;s=Temp": {Value: ua.MustVariant(float32(3)), Status: ua.StatusUncertain},
	}}
	dev := connectedDevice(t, fs)

	res, err := dev.ReadBatch(context.Background(), []domain.TagSubscription{{TagID: 1, TagPath: "ns=2;s=Temp"}})
	require.NoError(t, err)
	assert.NoError(t, res[0].Err)
	assert.Equal(t, float32(3), res[0].Value)
	assert.Equal(t, domain.Quality(uint32(ua.StatusUncertain)), res[0].Quality)
}

func TestReadBatchTransportError(t *testing.T) {
	fs := &fakeSession{readErr: errors.New("i/o timeout")}
	dev := connectedDevice(t, fs)

	_, err := dev.ReadBatch(context.Background(), []domain.TagSubscription{{TagID: 1, TagPath: "i=2258"}})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransient))
}

func TestReadBatchNotConnected(t *testing.T) {
	dev := NewDevice(domain.Connection{ID: "ua-1", Endpoint: "opc.tcp://srv:4840"}, nil)
	_, err := dev.ReadBatch(context.Background(), []domain.TagSubscription{{TagID: 1, TagPath: "i=2258"}})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.False(t, dev.Connected())
}

func TestConnectFailure(t *testing.T) {
	fs := &fakeSession{connectErr: errors.New("connection refused")}
	dev := NewDevice(domain.Connection{ID: "ua-1", Endpoint: "opc.tcp://srv:4840"}, func(domain.Connection) (Session, error) {
		return fs, nil
	})
	err := dev.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, dev.Connected())
}

func TestBrowseDefaultsToObjectsFolder(t *testing.T) {
	fs := &fakeSession{children: []domain.BrowseNode{{NodeID: "ns=2;s=Line1", BrowseName: "Line1", NodeClass: "Object"}}}
	dev := connectedDevice(t, fs)

	nodes, err := dev.Browse(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
	assert.Equal(t, []string{"i=85"}, fs.browsed)

	_, err = dev.Browse(context.Background(), "ns=x;bogus")
	assert.Equal(t, domain.CodeInvalid, domain.RequestCode(err))
}

func TestAttributesRequiresNode(t *testing.T) {
	dev := connectedDevice(t, &fakeSession{})

	_, err := dev.Attributes(context.Background(), " ")
	assert.Equal(t, domain.CodeMissingNode, domain.RequestCode(err))

	attrs, err := dev.Attributes(context.Background(), "ns=2;s=Temp")
	require.NoError(t, err)
	assert.Equal(t, "Temperature", attrs.BrowseName)
}

func TestVariantValue(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "2024-01-02T03:04:05Z", variantValue(ua.MustVariant(ts)))
	assert.Equal(t, "abc", variantValue(ua.MustVariant("abc")))
	assert.Equal(t, true, variantValue(ua.MustVariant(true)))
}

func TestSecurityNormalization(t *testing.T) {
	assert.Equal(t, "SignAndEncrypt", normalizeSecurityMode("sign_and_encrypt"))
	assert.Equal(t, "Sign", normalizeSecurityMode("SIGN"))
	assert.Equal(t, "None", normalizeSecurityMode(""))
	assert.Equal(t, "None", normalizeSecurityPolicy(""))
	assert.Equal(t, "Basic256Sha256", normalizeSecurityPolicy("Basic256Sha256"))
}

func TestDataTypeName(t *testing.T) {
	assert.Equal(t, "Double", dataTypeName(ua.NewNumericNodeID(0, 11)))
	assert.Equal(t, "ns=3;i=1001", dataTypeName(ua.NewNumericNodeID(3, 1001)))
	assert.Equal(t, "", dataTypeName(nil))
}
