package ports

import (
	"context"

	"github.com/dataforeman/connectivity/internal/domain"
)

// Driver owns one device session and its poll scheduler.
//
// Transport errors never escape Connect's callers as panics; read failures are
// reported through Metrics and as error observations on the Observations channel.
type Driver interface {
	ConnectionID() string
	Kind() domain.DriverKind

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	UpdateConfig(conn domain.Connection) error
	UpdatePollGroups(groups []domain.PollGroup)
	UpdateTagSubscriptions(tagsByGroup map[int64][]domain.TagSubscription)
	// RemoveTag returns domain.ErrTagNotFound when the tag is not scheduled.
	RemoveTag(tagID int64) error
	ListActiveTagIDs() []int64

	// Observations is closed after Disconnect.
	Observations() <-chan domain.Observation
	Metrics() domain.SchedulerMetrics
	ConnectionStatus() domain.DriverStatus

	UpdateTuning(patch domain.TuningPatch) domain.TuningParameters
	Tuning() domain.TuningParameters
}

// DriverFactory builds a driver for one connection.
type DriverFactory func(conn domain.Connection) (Driver, error)

// TagLister enumerates the device's live address space.
type TagLister interface {
	ListTags(ctx context.Context, opts domain.ListTagsOptions) ([]domain.TagInfo, error)
}

// TypeResolver maps tag names to device data types.
type TypeResolver interface {
	ResolveTagTypes(ctx context.Context, names []string) (map[string]string, error)
}

// SnapshotProvider captures paginated tag enumerations.
type SnapshotProvider interface {
	CreateSnapshot(ctx context.Context) (domain.SnapshotInfo, error)
	PageSnapshot(req domain.PageRequest) (domain.SnapshotPage, error)
	HeartbeatSnapshot(id string) error
	DeleteSnapshot(id string) error
}

// NodeBrowser walks an OPC UA style address space.
type NodeBrowser interface {
	Browse(ctx context.Context, node string) ([]domain.BrowseNode, error)
	Attributes(ctx context.Context, node string) (domain.NodeAttributes, error)
}

// DeviceDiscovery answers session-less introspection requests.
type DeviceDiscovery interface {
	Discover(ctx context.Context, broadcastAddr string) ([]domain.DeviceIdentity, error)
	Identify(ctx context.Context, ip string) (domain.DeviceIdentity, error)
	RackConfiguration(ctx context.Context, ip string, slot int) (domain.RackConfiguration, error)
}

// TagPathIndex exposes the tag_id -> tag_path map some drivers keep for raw reads.
type TagPathIndex interface {
	TagPaths() map[int64]string
}
