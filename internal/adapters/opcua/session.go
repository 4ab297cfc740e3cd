// Package opcua polls OPC UA servers and browses their address space.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/dataforeman/connectivity/internal/domain"
)

// Session is the subset of an OPC UA client session the device uses.
type Session interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Live() bool
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Browse(ctx context.Context, node *ua.NodeID) ([]domain.BrowseNode, error)
	Attributes(ctx context.Context, node *ua.NodeID) (domain.NodeAttributes, error)
}

// SessionFactory builds a session for a connection.
type SessionFactory func(conn domain.Connection) (Session, error)

type gopcuaSession struct {
	client *opcua.Client
}

func newGopcuaSession(conn domain.Connection) (Session, error) {
	if conn.Endpoint == "" {
		return nil, domain.Configuration("opcua session", errors.New("endpoint is required"))
	}
	client, err := opcua.NewClient(conn.Endpoint, clientOptions(conn)...)
	if err != nil {
		return nil, domain.Configuration("opcua new client", err)
	}
	return &gopcuaSession{client: client}, nil
}

func clientOptions(conn domain.Connection) []opcua.Option {
	appName := conn.Options.ApplicationName
	if appName == "" {
		appName = "DataForeman Connectivity"
	}
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(conn.Options.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(conn.Options.SecurityPolicy)),
		opcua.ApplicationName(appName),
		opcua.RequestTimeout(conn.Options.ReadTimeout()),
		opcua.DialTimeout(conn.Options.ConnectTimeout()),
		opcua.AutoReconnect(true),
	}
	if conn.Auth.Username != "" {
		opts = append(opts, opcua.AuthUsername(conn.Auth.Username, conn.Auth.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (s *gopcuaSession) Connect(ctx context.Context) error { return s.client.Connect(ctx) }

func (s *gopcuaSession) Close(ctx context.Context) error { return s.client.Close(ctx) }

func (s *gopcuaSession) Live() bool { return s.client.State() == opcua.Connected }

func (s *gopcuaSession) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	return s.client.Read(ctx, req)
}

func (s *gopcuaSession) Browse(ctx context.Context, nodeID *ua.NodeID) ([]domain.BrowseNode, error) {
	refs, err := s.client.Node(nodeID).ReferencedNodes(ctx, id.HierarchicalReferences, ua.BrowseDirectionForward, ua.NodeClassAll, true)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BrowseNode, 0, len(refs))
	for _, n := range refs {
		bn := domain.BrowseNode{NodeID: n.ID.String()}
		if q, err := n.BrowseName(ctx); err == nil && q != nil {
			bn.BrowseName = q.Name
		}
		if lt, err := n.DisplayName(ctx); err == nil && lt != nil {
			bn.DisplayName = lt.Text
		}
		if nc, err := n.NodeClass(ctx); err == nil {
			bn.NodeClass = nodeClassName(nc)
			if nc == ua.NodeClassVariable {
				bn.DataType = s.dataType(ctx, n)
			}
		}
		out = append(out, bn)
	}
	return out, nil
}

func (s *gopcuaSession) Attributes(ctx context.Context, nodeID *ua.NodeID) (domain.NodeAttributes, error) {
	n := s.client.Node(nodeID)
	vals, err := n.Attributes(ctx,
		ua.AttributeIDBrowseName,
		ua.AttributeIDDisplayName,
		ua.AttributeIDNodeClass,
		ua.AttributeIDDescription,
		ua.AttributeIDDataType,
		ua.AttributeIDValue,
		ua.AttributeIDAccessLevel,
	)
	if err != nil {
		return domain.NodeAttributes{}, err
	}
	attrs := domain.NodeAttributes{NodeID: nodeID.String(), Extra: map[string]any{}}
	for i, dv := range vals {
		if dv == nil || dv.Status != ua.StatusOK || dv.Value == nil {
			continue
		}
		v := dv.Value.Value()
		switch i {
		case 0:
			if q, ok := v.(*ua.QualifiedName); ok {
				attrs.BrowseName = q.Name
			}
		case 1:
			if lt, ok := v.(*ua.LocalizedText); ok {
				attrs.DisplayName = lt.Text
			}
		case 2:
			if nc, ok := v.(int32); ok {
				attrs.NodeClass = nodeClassName(ua.NodeClass(nc))
			}
		case 3:
			if lt, ok := v.(*ua.LocalizedText); ok && lt.Text != "" {
				attrs.Extra["description"] = lt.Text
			}
		case 4:
			if dt, ok := v.(*ua.NodeID); ok {
				attrs.DataType = dataTypeName(dt)
			}
		case 5:
			attrs.Value = v
			attrs.Extra["source_timestamp"] = dv.SourceTimestamp
		case 6:
			attrs.Extra["access_level"] = v
		}
	}
	return attrs, nil
}

func (s *gopcuaSession) dataType(ctx context.Context, n *opcua.Node) string {
	vals, err := n.Attributes(ctx, ua.AttributeIDDataType)
	if err != nil || len(vals) == 0 || vals[0] == nil || vals[0].Value == nil {
		return ""
	}
	if dt, ok := vals[0].Value.Value().(*ua.NodeID); ok {
		return dataTypeName(dt)
	}
	return ""
}

func nodeClassName(nc ua.NodeClass) string {
	return strings.TrimPrefix(nc.String(), "NodeClass")
}

var builtinTypes = map[uint32]string{
	id.Boolean:  "Boolean",
	id.SByte:    "SByte",
	id.Byte:     "Byte",
	id.Int16:    "Int16",
	id.UInt16:   "UInt16",
	id.Int32:    "Int32",
	id.UInt32:   "UInt32",
	id.Int64:    "Int64",
	id.UInt64:   "UInt64",
	id.Float:    "Float",
	id.Double:   "Double",
	id.String:   "String",
	id.DateTime: "DateTime",
}

func dataTypeName(dt *ua.NodeID) string {
	if dt == nil {
		return ""
	}
	if dt.Namespace() == 0 {
		if name, ok := builtinTypes[dt.IntID()]; ok {
			return name
		}
	}
	return dt.String()
}

// parseNode resolves an empty node to the Objects folder.
func parseNode(node string) (*ua.NodeID, error) {
	if strings.TrimSpace(node) == "" {
		return ua.NewNumericNodeID(0, id.ObjectsFolder), nil
	}
	n, err := parseNodeID(node)
	if err != nil {
		return nil, domain.RequestErr(domain.CodeInvalid, "node %q: %w", node, err)
	}
	return n, nil
}

var errNodeIDSyntax = errors.New("expected [ns=<index>;|nsu=<uri>;]<i|s|g|b>=<identifier>")

// parseNodeID accepts only the explicit string form of a node id.
// ua.ParseNodeID turns any other text into a string identifier.
func parseNodeID(s string) (*ua.NodeID, error) {
	rest := s
	if ns, tail, ok := strings.Cut(rest, ";"); ok && (strings.HasPrefix(ns, "ns=") || strings.HasPrefix(ns, "nsu=")) {
		rest = tail
	}
	if len(rest) < 3 || rest[1] != '=' || !strings.ContainsRune("isgb", rune(rest[0])) {
		return nil, errNodeIDSyntax
	}
	return ua.ParseNodeID(s)
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

func statusQuality(sc ua.StatusCode) domain.Quality {
	return domain.Quality(uint32(sc))
}

func statusErr(nodeID string, sc ua.StatusCode) error {
	return fmt.Errorf("node %s: %s", nodeID, sc.Error())
}
