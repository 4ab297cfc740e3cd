package ports

import (
	"context"

	"github.com/dataforeman/connectivity/internal/domain"
)

// Device is the protocol-specific half of a polling driver.
// The returned slice of ReadBatch is aligned with its input.
type Device interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Connected() bool
	ReadBatch(ctx context.Context, tags []domain.TagSubscription) ([]domain.ReadResult, error)
	// EstimateSize is the expected on-wire response size of one tag, excluding overhead.
	EstimateSize(tag domain.TagSubscription) int
}
