package ports

import "github.com/dataforeman/connectivity/internal/domain"

// LatestValues is a read view over the most recent point of every tag.
type LatestValues interface {
	Latest(connectionID string, tagID int64) (domain.Point, bool)
}
