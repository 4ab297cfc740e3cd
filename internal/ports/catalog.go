package ports

import (
	"context"

	"github.com/dataforeman/connectivity/internal/domain"
)

// Catalog is read-through access to connections, poll groups and tag metadata.
type Catalog interface {
	GetPollGroups(ctx context.Context) ([]domain.PollGroup, error)
	GetTagsByConnection(ctx context.Context, connectionID string) ([]domain.TagSubscription, error)
	GetAllSubscribedTags(ctx context.Context) ([]domain.TagSubscription, error)
	// GetConnection returns domain.ErrConnectionNotFound for unknown ids. Soft-deleted
	// records are returned with Deleted set.
	GetConnection(ctx context.Context, id string) (domain.Connection, error)
	ListEnabledConnections(ctx context.Context) ([]domain.Connection, error)
	IsHealthy(ctx context.Context) bool
	Close() error
}
