// Package pipeline is the historian store-and-forward path: accepted points
// are appended to a WAL, queued, and written to the time-series sink in batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

const (
	PolicyBlock = "block"
	PolicyDrop  = "drop"
)

// Historian owns the WAL, queue and sink of one gateway process.
type Historian struct {
	wal    ports.WAL
	q      ports.PointQueue
	sink   ports.Sink
	pol    ports.Policy
	obs    ports.Observability
	logger zerolog.Logger

	in chan *domain.Point
}

// NewHistorian wires the pipeline. The intake channel holds up to MaxQueueLen points.
func NewHistorian(wal ports.WAL, q ports.PointQueue, sink ports.Sink, pol ports.Policy, obs ports.Observability) *Historian {
	if pol.IdleSleep <= 0 {
		pol.IdleSleep = 5 * time.Millisecond
	}
	if pol.MaxBatchSize <= 0 {
		pol.MaxBatchSize = 5000
	}
	capacity := pol.MaxQueueLen
	if capacity <= 0 {
		capacity = 1024
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Historian{
		wal:    wal,
		q:      q,
		sink:   sink,
		pol:    pol,
		obs:    obs,
		logger: log.WithComponent("historian"),
		in:     make(chan *domain.Point, capacity),
	}
}

// Offer hands a point to the edge stage. With the drop policy a full intake
// discards the point; with block it waits for room or ctx.
func (h *Historian) Offer(ctx context.Context, p domain.Point) bool {
	select {
	case h.in <- &p:
		return true
	default:
	}
	if h.pol.OnQueueFull == PolicyDrop {
		h.obs.IncCounter(observability.HistorianDropped, 1)
		return false
	}
	select {
	case h.in <- &p:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run replays uncommitted WAL entries, then runs the edge and ingest stages
// until ctx ends. The WAL is flushed on the way out.
func (h *Historian) Run(ctx context.Context) error {
	if err := h.replay(ctx); err != nil {
		return fmt.Errorf("wal replay: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.runEdge(gctx)
		return nil
	})
	g.Go(func() error {
		h.runIngest(gctx)
		return nil
	})
	err := g.Wait()
	if ferr := h.wal.Flush(); ferr != nil {
		err = errors.Join(err, fmt.Errorf("wal flush: %w", ferr))
	}
	return err
}

func (h *Historian) runEdge(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-h.in:
			if !h.waitForWALCapacity(ctx) {
				h.obs.IncCounter(observability.HistorianDropped, 1)
				continue
			}
			id, err := h.wal.Append(p)
			if err != nil {
				h.logger.Error().Err(err).Str("connection_id", p.ConnectionID).Msg("wal append failed")
				continue
			}
			if !h.enqueueWithPolicy(ctx, id, p) {
				h.obs.IncCounter(observability.HistorianDropped, 1)
			}
			h.obs.SetGauge(observability.QueueLength, float64(h.q.Len()))
		}
	}
}

func (h *Historian) waitForWALCapacity(ctx context.Context) bool {
	if h.pol.MaxWALSizeBytes <= 0 {
		return true
	}
	for {
		stats := h.wal.Stats()
		h.obs.SetGauge(observability.WALSize, float64(stats.SizeBytes))
		if stats.SizeBytes < h.pol.MaxWALSizeBytes {
			return true
		}

		switch h.pol.OnWALFull {
		case PolicyBlock:
			if !sleepCtx(ctx, h.pol.IdleSleep) {
				return false
			}
		case PolicyDrop:
			h.logger.Warn().Int64("size", stats.SizeBytes).Int64("limit", h.pol.MaxWALSizeBytes).Msg("wal full, dropping point")
			return false
		default:
			h.logger.Error().Str("policy", h.pol.OnWALFull).Msg("invalid wal policy")
			return false
		}
	}
}

func (h *Historian) enqueueWithPolicy(ctx context.Context, id ports.WALEntryID, p *domain.Point) bool {
	for {
		if ok := h.q.Enqueue(id, p); ok {
			return true
		}

		switch h.pol.OnQueueFull {
		case PolicyBlock:
			if !sleepCtx(ctx, h.pol.IdleSleep) {
				return false
			}
		case PolicyDrop:
			h.logger.Warn().Int("capacity", h.pol.MaxQueueLen).Msg("queue full, dropping point")
			return false
		default:
			h.logger.Error().Str("policy", h.pol.OnQueueFull).Msg("invalid queue policy")
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
