// Package tuning applies live scheduler tuning published on the
// config-changed subject.
package tuning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/adapters/bus"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
	"github.com/dataforeman/connectivity/schemas"
)

// Recognized configuration keys.
const (
	KeyMaxTaggroupSize      = "eip.max_taggroup_size"
	KeyFallbackTaggroupSize = "eip.fallback_taggroup_size"
	KeyTaggroupByteBudget   = "eip.taggroup_byte_budget"
	KeyLegacyByteBudget     = "eip.taggroub_byte_budget"
	KeyFallbackByteBudget   = "eip.fallback_byte_budget"
	KeyTagOverheadBytes     = "eip.tag_overhead_bytes"
	KeyShardBudgetFrac      = "eip.shard_budget_frac"
	KeyMinShardsPerTick     = "eip.min_shards_per_tick"
)

// Event is the config-changed payload.
type Event struct {
	Keys   []string                   `json:"keys"`
	Values map[string]json.RawMessage `json:"values"`
}

// Connections is the supervisor surface the applier needs.
type Connections interface {
	IDs() []string
	Do(ctx context.Context, connectionID string, fn func(ctx context.Context, d ports.Driver) error) error
}

// Applier pushes tuning patches into every live driver of one kind.
type Applier struct {
	conns  Connections
	kind   domain.DriverKind
	logger zerolog.Logger
}

func New(conns Connections) *Applier {
	return &Applier{conns: conns, kind: domain.KindEIP, logger: log.WithComponent("tuning")}
}

// Patch maps recognized keys of ev into a tuning patch. Unknown keys are
// ignored; malformed values are reported and skipped.
func (a *Applier) Patch(ev Event) (domain.TuningPatch, error) {
	var (
		p    domain.TuningPatch
		errs []error
	)
	keys := make([]string, 0, len(ev.Values))
	for k := range ev.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw := ev.Values[key]
		var err error
		switch key {
		case KeyMaxTaggroupSize:
			p.MaxBatch, err = intValue(raw)
		case KeyFallbackTaggroupSize:
			p.FallbackBatch, err = intValue(raw)
		case KeyTaggroupByteBudget:
			p.ByteBudget, err = intValue(raw)
		case KeyLegacyByteBudget:
			if _, ok := ev.Values[KeyTaggroupByteBudget]; ok {
				continue
			}
			a.logger.Warn().Str("key", key).Str("use", KeyTaggroupByteBudget).Msg("deprecated tuning key")
			p.ByteBudget, err = intValue(raw)
		case KeyFallbackByteBudget:
			p.FallbackByteBudget, err = intValue(raw)
		case KeyTagOverheadBytes:
			p.PerTagOverhead, err = intValue(raw)
		case KeyShardBudgetFrac:
			p.ShardBudgetFraction, err = floatValue(raw)
		case KeyMinShardsPerTick:
			p.MinShardsPerTick, err = intValue(raw)
		default:
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	for _, key := range ev.Keys {
		if _, ok := ev.Values[key]; !ok && strings.HasPrefix(key, "eip.") {
			a.logger.Debug().Str("key", key).Msg("changed key carried no value")
		}
	}
	return p, errors.Join(errs...)
}

// Apply patches every live driver of the applier's kind and returns how many
// were updated.
func (a *Applier) Apply(ctx context.Context, ev Event) (int, error) {
	patch, perr := a.Patch(ev)
	if perr != nil {
		a.logger.Warn().Err(perr).Msg("ignoring malformed tuning values")
	}
	if patch.Empty() {
		return 0, perr
	}

	applied := 0
	var errs []error
	for _, id := range a.conns.IDs() {
		err := a.conns.Do(ctx, id, func(_ context.Context, d ports.Driver) error {
			if d.Kind() != a.kind {
				return nil
			}
			t := d.UpdateTuning(patch)
			applied++
			a.logger.Info().
				Str("connection_id", id).
				Int("max_batch", t.MaxBatch).
				Int("fallback_batch", t.FallbackBatch).
				Int("byte_budget", t.ByteBudget).
				Int("fallback_byte_budget", t.FallbackByteBudget).
				Int("per_tag_overhead", t.PerTagOverhead).
				Float64("shard_budget_fraction", t.ShardBudgetFraction).
				Int("min_shards_per_tick", t.MinShardsPerTick).
				Msg("tuning updated")
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return applied, errors.Join(append(errs, perr)...)
}

// Listen subscribes the applier to the config-changed subject.
func (a *Applier) Listen(ctx context.Context, b ports.Bus, reg *schemas.Registry) (ports.Subscription, error) {
	return b.Subscribe(ctx, bus.SubjectConfigChanged, func(ctx context.Context, subject string, data []byte) {
		if err := reg.Validate(schemas.ConfigChanged, data); err != nil {
			a.logger.Warn().Err(err).Str("subject", subject).Msg("dropping config change")
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			a.logger.Warn().Err(err).Str("subject", subject).Msg("dropping config change")
			return
		}
		if _, err := a.Apply(ctx, ev); err != nil {
			a.logger.Warn().Err(err).Msg("tuning update incomplete")
		}
	})
}

// intValue accepts JSON numbers and numeric strings.
func intValue(raw json.RawMessage) (*int, error) {
	f, err := floatValue(raw)
	if err != nil {
		return nil, err
	}
	v := int(*f)
	if float64(v) != *f {
		return nil, fmt.Errorf("%v is not an integer", *f)
	}
	return &v, nil
}

func floatValue(raw json.RawMessage) (*float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("value %s is not numeric", string(raw))
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("value %q is not numeric", s)
	}
	return &f, nil
}
