package fanout

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/adapters/bus"
	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// BatchSource names the producer of a telemetry batch.
type BatchSource struct {
	ConnectionID string `json:"connection_id"`
	Driver       string `json:"driver"`
}

// Batch is the payload of df.telemetry.batch.v1.
type Batch struct {
	Schema string         `json:"schema"`
	TS     time.Time      `json:"ts"`
	Source BatchSource    `json:"source"`
	Points []domain.Point `json:"points"`
}

type consumer struct {
	f      *Fanout
	driver ports.Driver
	id     string
	done   chan struct{}
	logger zerolog.Logger

	window       *window
	batch        []domain.Point
	lastOverflow uint64
}

func (c *consumer) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.f.cfg.FlushInterval)
	defer ticker.Stop()

	obs := c.driver.Observations()
	for {
		select {
		case <-ctx.Done():
			c.flushBatch(context.Background())
			return
		case o, ok := <-obs:
			if !ok {
				c.flushBatch(ctx)
				return
			}
			c.handle(ctx, o)
		case <-ticker.C:
			if c.window.pending() {
				c.roll(ctx, c.f.cfg.Now())
			}
		}
	}
}

func (c *consumer) handle(ctx context.Context, o domain.Observation) {
	now := c.f.cfg.Now()
	if o.Err != nil {
		c.window.fail(o.Err, domain.IsKind(o.Err, domain.KindDriverFatal))
		c.f.cfg.Obs.IncConnCounter(observability.ConnErrors, c.id, 1)
		c.logger.Debug().Err(o.Err).Msg("driver reported error")
	} else {
		c.sample(ctx, o.Sample)
	}
	if c.window.due(now, c.f.cfg.Window) {
		c.roll(ctx, now)
	}
}

func (c *consumer) sample(ctx context.Context, s domain.Sample) {
	p := domain.PointFromSample(c.id, s)
	n, err := c.f.publish(ctx, bus.RawSubject(c.id), p)
	if err != nil {
		c.logger.Debug().Err(err).Int64("tag_id", p.TagID).Msg("telemetry publish failed")
	}
	c.window.add(n, p.TS)
	c.f.cfg.Obs.IncConnCounter(observability.ConnSamples, c.id, 1)
	c.f.cfg.Obs.IncConnCounter(observability.ConnBytes, c.id, float64(n))
	c.f.remember(p)

	if c.f.cfg.Historian != nil {
		c.f.cfg.Historian.Offer(ctx, p)
	}

	c.batch = append(c.batch, p)
	if len(c.batch) >= c.f.cfg.BatchMaxPoints {
		c.flushBatch(ctx)
	}
}

// roll drains the window into a status event and flushes the batch.
func (c *consumer) roll(ctx context.Context, now time.Time) {
	c.flushBatch(ctx)

	stats, state, reason := c.window.drain(now)
	m := c.driver.Metrics()
	stats.Driver = &m

	if m.Overflow > c.lastOverflow {
		c.f.cfg.Obs.IncConnCounter(observability.ConnOverflow, c.id, float64(m.Overflow-c.lastOverflow))
		c.lastOverflow = m.Overflow
	}
	c.f.cfg.Obs.SetConnGauge(observability.ConnRate, c.id, stats.RPS)
	c.f.cfg.Obs.SetConnGauge(observability.ConnBatchFill, c.id, m.AvgBatchFill)

	c.f.cfg.Status.Publish(ctx, c.id, state, reason, stats)
}

func (c *consumer) flushBatch(ctx context.Context) {
	if len(c.batch) == 0 {
		return
	}
	b := Batch{
		Schema: BatchSchema,
		TS:     c.f.cfg.Now().UTC(),
		Source: BatchSource{ConnectionID: c.id, Driver: string(c.driver.Kind())},
		Points: c.batch,
	}
	if _, err := c.f.publish(ctx, bus.SubjectTelemetryBatch, b); err != nil {
		c.logger.Debug().Err(err).Int("points", len(c.batch)).Msg("batch publish failed")
	}
	c.batch = nil
}
