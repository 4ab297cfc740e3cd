package domain

import "math"

// TuningParameters control how the scheduler shards and paces reads.
type TuningParameters struct {
	MaxBatch            int     `json:"max_batch" yaml:"max_batch"`
	FallbackBatch       int     `json:"fallback_batch" yaml:"fallback_batch"`
	ByteBudget          int     `json:"byte_budget" yaml:"byte_budget"`
	FallbackByteBudget  int     `json:"fallback_byte_budget" yaml:"fallback_byte_budget"`
	PerTagOverhead      int     `json:"per_tag_overhead" yaml:"per_tag_overhead"`
	ShardBudgetFraction float64 `json:"shard_budget_fraction" yaml:"shard_budget_fraction"`
	MinShardsPerTick    int     `json:"min_shards_per_tick" yaml:"min_shards_per_tick"`
}

// DefaultTuning is sized for a Logix controller on a 4000-byte connected message.
func DefaultTuning() TuningParameters {
	return TuningParameters{
		MaxBatch:            100,
		FallbackBatch:       20,
		ByteBudget:          4000,
		FallbackByteBudget:  480,
		PerTagOverhead:      8,
		ShardBudgetFraction: 1.0,
		MinShardsPerTick:    1,
	}
}

// Normalize fills zero sizes from defaults and clamps inconsistent values.
// A zero PerTagOverhead is kept; start from DefaultTuning to get the default.
func (t TuningParameters) Normalize() TuningParameters {
	d := DefaultTuning()
	if t.MaxBatch < 1 {
		t.MaxBatch = d.MaxBatch
	}
	if t.FallbackBatch < 1 {
		t.FallbackBatch = d.FallbackBatch
	}
	if t.FallbackBatch > t.MaxBatch {
		t.FallbackBatch = t.MaxBatch
	}
	if t.ByteBudget < 1 {
		t.ByteBudget = d.ByteBudget
	}
	if t.FallbackByteBudget < 1 {
		t.FallbackByteBudget = d.FallbackByteBudget
	}
	if t.FallbackByteBudget > t.ByteBudget {
		t.FallbackByteBudget = t.ByteBudget
	}
	if t.PerTagOverhead < 0 {
		t.PerTagOverhead = 0
	}
	if t.ShardBudgetFraction <= 0 || math.IsNaN(t.ShardBudgetFraction) {
		t.ShardBudgetFraction = d.ShardBudgetFraction
	}
	if t.ShardBudgetFraction > 1 {
		t.ShardBudgetFraction = 1
	}
	if t.MinShardsPerTick < 1 {
		t.MinShardsPerTick = d.MinShardsPerTick
	}
	return t
}

// IsZero reports whether no field is set.
func (t TuningParameters) IsZero() bool { return t == TuningParameters{} }

// TuningPatch is a partial update; nil fields are left untouched.
type TuningPatch struct {
	MaxBatch            *int
	FallbackBatch       *int
	ByteBudget          *int
	FallbackByteBudget  *int
	PerTagOverhead      *int
	ShardBudgetFraction *float64
	MinShardsPerTick    *int
}

// Empty reports whether the patch changes nothing.
func (p TuningPatch) Empty() bool {
	return p.MaxBatch == nil && p.FallbackBatch == nil && p.ByteBudget == nil &&
		p.FallbackByteBudget == nil && p.PerTagOverhead == nil &&
		p.ShardBudgetFraction == nil && p.MinShardsPerTick == nil
}

// Apply overlays the patch and normalizes the result.
func (p TuningPatch) Apply(t TuningParameters) TuningParameters {
	if p.MaxBatch != nil {
		t.MaxBatch = *p.MaxBatch
	}
	if p.FallbackBatch != nil {
		t.FallbackBatch = *p.FallbackBatch
	}
	if p.ByteBudget != nil {
		t.ByteBudget = *p.ByteBudget
	}
	if p.FallbackByteBudget != nil {
		t.FallbackByteBudget = *p.FallbackByteBudget
	}
	if p.PerTagOverhead != nil {
		t.PerTagOverhead = *p.PerTagOverhead
	}
	if p.ShardBudgetFraction != nil {
		t.ShardBudgetFraction = *p.ShardBudgetFraction
	}
	if p.MinShardsPerTick != nil {
		t.MinShardsPerTick = *p.MinShardsPerTick
	}
	return t.Normalize()
}

// SchedulerMetrics are the counters exposed through Driver.Metrics.
// The active tuning block is flattened into the JSON form.
type SchedulerMetrics struct {
	TuningParameters
	LastTickMs          float64           `json:"last_tick_ms"`
	ShardsPerTick       int               `json:"shards_per_tick"`
	TotalShards         int               `json:"total_shards"`
	ReadsAttempted      uint64            `json:"reads_attempted"`
	ReadsSucceeded      uint64            `json:"reads_succeeded"`
	ReadsFailed         uint64            `json:"reads_failed"`
	AvgBatchFill        float64           `json:"avg_batch_fill"`
	GroupLatencyMs      map[int64]float64 `json:"group_latency_ms,omitempty"`
	FallbackInvocations uint64            `json:"fallback_invocations"`
	SkippedTags         uint64            `json:"skipped_tags"`
	Overflow            uint64            `json:"overflow"`
	Ticks               uint64            `json:"ticks"`
}
