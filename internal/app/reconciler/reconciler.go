// Package reconciler periodically prunes driver tags that the catalog no
// longer subscribes.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// MinInterval is the floor of the reconcile period.
const MinInterval = 30 * time.Second

// Connections is the supervisor surface the reconciler needs.
type Connections interface {
	IDs() []string
	Do(ctx context.Context, connectionID string, fn func(ctx context.Context, d ports.Driver) error) error
}

// Result summarizes one pass.
type Result struct {
	Removed  int
	Failed   int
	Duration time.Duration
}

// Reconciler ensures every driver's live set converges to its catalog projection.
type Reconciler struct {
	catalog  ports.Catalog
	conns    Connections
	obs      ports.Observability
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	streaks map[string]int
}

// New clamps interval to MinInterval.
func New(catalog ports.Catalog, conns Connections, obs ports.Observability, interval time.Duration) *Reconciler {
	if interval < MinInterval {
		interval = MinInterval
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Reconciler{
		catalog:  catalog,
		conns:    conns,
		obs:      obs,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		streaks:  make(map[string]int),
	}
}

func (r *Reconciler) Interval() time.Duration { return r.interval }

// Run reconciles every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("reconcile pass failed")
			}
		}
	}
}

// RunOnce performs one pass. Per-connection failures are logged and counted;
// only a catalog failure fails the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result
	defer func() {
		res.Duration = time.Since(start)
		r.obs.IncCounter(observability.ReconcileRuns, 1)
		r.obs.ObserveLatency(observability.ReconcileDuration, res.Duration.Seconds())
	}()

	tags, err := r.catalog.GetAllSubscribedTags(ctx)
	if err != nil {
		return res, err
	}
	want := make(map[domain.SubscriptionKey]struct{}, len(tags))
	for _, t := range tags {
		want[domain.SubscriptionKey{ConnectionID: t.ConnectionID, TagID: t.TagID}] = struct{}{}
	}

	for _, id := range r.conns.IDs() {
		n, err := r.reconcileConnection(ctx, id, want)
		res.Removed += n
		if err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			res.Failed++
			r.recordFailure(id, err)
			continue
		}
		r.recordSuccess(id)
	}

	r.obs.IncCounter(observability.ReconcileRemoved, float64(res.Removed))
	r.logger.Info().
		Int("removed", res.Removed).
		Int("failed", res.Failed).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("reconcile pass complete")
	return res, nil
}

func (r *Reconciler) reconcileConnection(ctx context.Context, id string, want map[domain.SubscriptionKey]struct{}) (int, error) {
	removed := 0
	err := r.conns.Do(ctx, id, func(ctx context.Context, d ports.Driver) error {
		var errs []error
		for _, tagID := range liveTags(d) {
			if _, ok := want[domain.SubscriptionKey{ConnectionID: id, TagID: tagID}]; ok {
				continue
			}
			if err := d.RemoveTag(tagID); err != nil && !errors.Is(err, domain.ErrTagNotFound) {
				errs = append(errs, err)
				continue
			}
			removed++
			r.logger.Debug().Str("connection_id", id).Int64("tag_id", tagID).Msg("removed orphan tag")
		}
		return errors.Join(errs...)
	})
	return removed, err
}

// liveTags prefers the driver's active set and falls back to its tag-path map.
func liveTags(d ports.Driver) []int64 {
	if ids := d.ListActiveTagIDs(); len(ids) > 0 {
		return ids
	}
	idx, ok := d.(ports.TagPathIndex)
	if !ok {
		return nil
	}
	paths := idx.TagPaths()
	out := make([]int64, 0, len(paths))
	for id := range paths {
		out = append(out, id)
	}
	return out
}

func (r *Reconciler) recordFailure(id string, err error) {
	r.mu.Lock()
	r.streaks[id]++
	streak := r.streaks[id]
	r.mu.Unlock()
	r.obs.IncConnCounter(observability.ConnReconcileFailures, id, 1)
	r.obs.SetConnGauge(observability.ConnFailureStreak, id, float64(streak))
	r.logger.Warn().Err(err).Str("connection_id", id).Int("consecutive_failures", streak).Msg("reconcile failed for connection")
}

func (r *Reconciler) recordSuccess(id string) {
	r.mu.Lock()
	had := r.streaks[id] > 0
	delete(r.streaks, id)
	r.mu.Unlock()
	if had {
		r.obs.SetConnGauge(observability.ConnFailureStreak, id, 0)
	}
}

// FailureStreak is the number of consecutive failed passes for a connection.
func (r *Reconciler) FailureStreak(connectionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streaks[connectionID]
}
