package router

import (
	"context"
	"strings"

	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

type discoverRequest struct {
	BroadcastAddress string `json:"broadcast_address"`
}

type discoverResponse struct {
	Devices []domain.DeviceIdentity `json:"devices"`
}

func (r *Router) discover(ctx context.Context, _ string, data []byte) (any, error) {
	var req discoverRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if !r.limiter.Allow() {
		r.cfg.Obs.IncCounter(observability.DiscoveryThrottled, 1)
		return nil, domain.RequestErr(domain.CodeThrottled, "discovery rate limit exceeded")
	}
	devices, err := r.cfg.Discovery().Discover(ctx, strings.TrimSpace(req.BroadcastAddress))
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []domain.DeviceIdentity{}
	}
	r.logger.Info().Int("devices", len(devices)).Str("broadcast", req.BroadcastAddress).Msg("discovery complete")
	return discoverResponse{Devices: devices}, nil
}

type identifyRequest struct {
	IPAddress string `json:"ip_address"`
	Slot      *int   `json:"slot,omitempty"`
}

func (r *Router) identify(ctx context.Context, _ string, data []byte) (any, error) {
	var req identifyRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return r.cfg.Discovery().Identify(ctx, strings.TrimSpace(req.IPAddress))
}

func (r *Router) rackConfig(ctx context.Context, _ string, data []byte) (any, error) {
	var req identifyRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	slot := 0
	if req.Slot != nil {
		slot = *req.Slot
	}
	return r.cfg.Discovery().RackConfiguration(ctx, strings.TrimSpace(req.IPAddress), slot)
}

type statusResponse struct {
	domain.DriverStatus
	ID                     string                  `json:"id"`
	State                  domain.ConnectionState  `json:"state,omitempty"`
	Host                   string                  `json:"host"`
	DataforemanConnections int                     `json:"dataforeman_connections"`
	Metrics                domain.SchedulerMetrics `json:"metrics"`
}

func (r *Router) status(ctx context.Context, subject string, _ []byte) (any, error) {
	id, d, err := r.resident(ctx, subject)
	if err != nil {
		return nil, err
	}
	resp := statusResponse{
		DriverStatus: d.ConnectionStatus(),
		ID:           id,
		Metrics:      d.Metrics(),
	}
	if conn, ok := r.sup.Connection(id); ok {
		resp.Host = conn.HostKey()
		resp.DataforemanConnections = r.sup.Hosts().Count(resp.Host)
	}
	if st, ok := r.sup.Status().State(id); ok {
		resp.State = st
	}
	return resp, nil
}

// Tag actions.
const (
	ActionList              = "list"
	ActionSnapshotCreate    = "snapshot.create"
	ActionSnapshotPage      = "snapshot.page"
	ActionSnapshotHeartbeat = "snapshot.heartbeat"
	ActionSnapshotDelete    = "snapshot.delete"
	ActionResolveTypes      = "resolve_types"
)

type tagsRequest struct {
	Action     string   `json:"action"`
	SnapshotID string   `json:"snapshot_id"`
	Scope      string   `json:"scope"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	Search     string   `json:"search"`
	Refresh    bool     `json:"refresh"`
	Names      []string `json:"names"`
}

type listResponse struct {
	Items []domain.TagInfo `json:"items"`
	Total int              `json:"total"`
}

type ackResponse struct {
	OK         bool   `json:"ok"`
	SnapshotID string `json:"snapshot_id"`
}

type typesResponse struct {
	Types map[string]string `json:"types"`
}

func (r *Router) tags(ctx context.Context, subject string, data []byte) (any, error) {
	var req tagsRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Action == "" {
		req.Action = ActionList
	}
	id, d, err := r.resident(ctx, subject)
	if err != nil {
		return nil, err
	}
	resp, err := r.tagAction(ctx, d, req)
	r.reportDeviceError(ctx, id, err)
	return resp, err
}

func (r *Router) tagAction(ctx context.Context, d ports.Driver, req tagsRequest) (any, error) {
	switch req.Action {
	case ActionList:
		lister, ok := d.(ports.TagLister)
		if !ok {
			return nil, unsupported(d, "tag listing")
		}
		items, err := lister.ListTags(ctx, domain.ListTagsOptions{Scope: req.Scope, Search: req.Search, Refresh: req.Refresh})
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []domain.TagInfo{}
		}
		return listResponse{Items: items, Total: len(items)}, nil

	case ActionResolveTypes:
		resolver, ok := d.(ports.TypeResolver)
		if !ok {
			return nil, unsupported(d, "type resolution")
		}
		types, err := resolver.ResolveTagTypes(ctx, req.Names)
		if err != nil {
			return nil, err
		}
		return typesResponse{Types: types}, nil
	}

	snaps, ok := d.(ports.SnapshotProvider)
	if !ok {
		return nil, unsupported(d, "tag snapshots")
	}
	if req.Action == ActionSnapshotCreate {
		return snaps.CreateSnapshot(ctx)
	}
	if req.SnapshotID == "" {
		return nil, domain.RequestErr(domain.CodeInvalid, "snapshot_id is required for %s", req.Action)
	}
	switch req.Action {
	case ActionSnapshotPage:
		return snaps.PageSnapshot(domain.PageRequest{
			SnapshotID: req.SnapshotID,
			Scope:      req.Scope,
			Page:       req.Page,
			Limit:      req.Limit,
			Search:     req.Search,
		})
	case ActionSnapshotHeartbeat:
		if err := snaps.HeartbeatSnapshot(req.SnapshotID); err != nil {
			return nil, err
		}
	case ActionSnapshotDelete:
		if err := snaps.DeleteSnapshot(req.SnapshotID); err != nil {
			return nil, err
		}
	default:
		return nil, domain.RequestErr(domain.CodeInvalid, "unknown action %q", req.Action)
	}
	return ackResponse{OK: true, SnapshotID: req.SnapshotID}, nil
}

type nodeRequest struct {
	Node *string `json:"node"`
}

func (n nodeRequest) node() string {
	if n.Node == nil {
		return ""
	}
	return strings.TrimSpace(*n.Node)
}

type browseResponse struct {
	Items []domain.BrowseNode `json:"items"`
}

type attrResponse struct {
	Item domain.NodeAttributes `json:"item"`
}

func (r *Router) browse(ctx context.Context, subject string, data []byte) (any, error) {
	var req nodeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	id, b, err := r.browser(ctx, subject)
	if err != nil {
		return nil, err
	}
	items, err := b.Browse(ctx, req.node())
	if err != nil {
		r.reportDeviceError(ctx, id, err)
		return nil, err
	}
	if items == nil {
		items = []domain.BrowseNode{}
	}
	return browseResponse{Items: items}, nil
}

func (r *Router) attr(ctx context.Context, subject string, data []byte) (any, error) {
	var req nodeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	node := req.node()
	if node == "" {
		return nil, domain.RequestErr(domain.CodeMissingNode, "node is required")
	}
	id, b, err := r.browser(ctx, subject)
	if err != nil {
		return nil, err
	}
	item, err := b.Attributes(ctx, node)
	if err != nil {
		r.reportDeviceError(ctx, id, err)
		return nil, err
	}
	return attrResponse{Item: item}, nil
}

// browser resolves a NodeBrowser and lazily brings its session up.
func (r *Router) browser(ctx context.Context, subject string) (string, ports.NodeBrowser, error) {
	id, d, err := r.resident(ctx, subject)
	if err != nil {
		return id, nil, err
	}
	b, ok := d.(ports.NodeBrowser)
	if !ok {
		return id, nil, unsupported(d, "browse")
	}
	if !d.ConnectionStatus().SessionLive {
		if err := d.Connect(ctx); err != nil {
			r.reportDeviceError(ctx, id, err)
			return id, nil, err
		}
	}
	return id, b, nil
}
