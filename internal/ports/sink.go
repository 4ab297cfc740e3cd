package ports

import (
	"context"

	"github.com/dataforeman/connectivity/internal/domain"
)

type Sink interface {
	WriteBatch(ctx context.Context, points []*domain.Point) error
	Name() string
}
