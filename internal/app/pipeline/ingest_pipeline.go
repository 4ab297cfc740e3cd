package pipeline

import (
	"context"
	"time"

	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/retry"
)

// compactEvery is the number of committed batches between WAL compactions.
const compactEvery = 64

type readySignaler interface {
	Ready() <-chan struct{}
}

// replay re-queues every uncommitted WAL entry. Replayed points always block
// for queue room, whatever the live policy says.
func (h *Historian) replay(ctx context.Context) error {
	stats := h.wal.Stats()
	if stats.LatestAppended == 0 || stats.OldestUncommitted > stats.LatestAppended {
		return nil
	}
	var n int
	err := h.wal.Iterate(stats.OldestUncommitted, func(id ports.WALEntryID, p *domain.Point) error {
		for !h.q.Enqueue(id, p) {
			if !sleepCtx(ctx, h.pol.IdleSleep) {
				return ctx.Err()
			}
		}
		n++
		return nil
	})
	if n > 0 {
		h.logger.Info().Int("points", n).Msg("replayed uncommitted wal entries")
	}
	return err
}

func (h *Historian) runIngest(ctx context.Context) {
	var (
		ready   <-chan struct{}
		commits int
	)
	if r, ok := h.q.(readySignaler); ok {
		ready = r.Ready()
	}

	for ctx.Err() == nil {
		batch := h.q.DequeueBatch(h.pol.MaxBatchSize)
		if len(batch) == 0 {
			h.idle(ctx, ready)
			continue
		}

		out := make([]*domain.Point, 0, len(batch))
		var maxID ports.WALEntryID
		for _, item := range batch {
			out = append(out, item.Point)
			if item.ID > maxID {
				maxID = item.ID
			}
		}

		if !h.write(ctx, out) {
			// uncommitted; replayed on the next start
			return
		}
		if err := h.wal.Commit(maxID); err != nil {
			h.logger.Error().Err(err).Msg("wal commit failed")
			continue
		}
		commits++
		if commits%compactEvery == 0 || h.overHalf() {
			if err := h.wal.TruncateCommitted(); err != nil {
				h.logger.Warn().Err(err).Msg("wal compaction failed")
			}
		}
		h.obs.SetGauge(observability.WALSize, float64(h.wal.Stats().SizeBytes))
		h.obs.SetGauge(observability.QueueLength, float64(h.q.Len()))
	}
}

// write retries the batch until the sink accepts it or ctx ends.
func (h *Historian) write(ctx context.Context, points []*domain.Point) bool {
	cfg := retry.Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
	for {
		start := time.Now()
		err := retry.Do(ctx, cfg, func() error { return h.sink.WriteBatch(ctx, points) })
		if err == nil {
			h.obs.ObserveLatency(observability.SinkLatency, time.Since(start).Seconds())
			h.obs.IncCounter(observability.PointsStored, float64(len(points)))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		h.logger.Error().Err(err).Str("sink", h.sink.Name()).Int("points", len(points)).Msg("sink write failed, holding batch")
		if !sleepCtx(ctx, cfg.MaxDelay) {
			return false
		}
	}
}

func (h *Historian) overHalf() bool {
	return h.pol.MaxWALSizeBytes > 0 && h.wal.Stats().SizeBytes >= h.pol.MaxWALSizeBytes/2
}

func (h *Historian) idle(ctx context.Context, ready <-chan struct{}) {
	t := time.NewTimer(h.pol.IdleSleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-ready:
	case <-t.C:
	}
}
