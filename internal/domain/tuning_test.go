package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	want := DefaultTuning()
	want.PerTagOverhead = 0
	assert.Equal(t, want, TuningParameters{}.Normalize())
	assert.Equal(t, DefaultTuning(), DefaultTuning().Normalize())
}

func TestPatchMayZeroPerTagOverhead(t *testing.T) {
	zero := 0
	got := TuningPatch{PerTagOverhead: &zero}.Apply(DefaultTuning())
	assert.Equal(t, 0, got.PerTagOverhead)
	assert.Equal(t, 100, got.MaxBatch)
	assert.True(t, TuningParameters{}.IsZero())
	assert.False(t, got.IsZero())
}

func TestNormalizeClampsFallbacks(t *testing.T) {
	got := TuningParameters{MaxBatch: 10, FallbackBatch: 50, ByteBudget: 100, FallbackByteBudget: 400, ShardBudgetFraction: 3}.Normalize()
	assert.Equal(t, 10, got.FallbackBatch)
	assert.Equal(t, 100, got.FallbackByteBudget)
	assert.Equal(t, 1.0, got.ShardBudgetFraction)
}

func TestPatchApply(t *testing.T) {
	n := 20
	frac := 0.5
	p := TuningPatch{MaxBatch: &n, ShardBudgetFraction: &frac}
	assert.False(t, p.Empty())

	got := p.Apply(DefaultTuning())
	assert.Equal(t, 20, got.MaxBatch)
	assert.Equal(t, 20, got.FallbackBatch)
	assert.Equal(t, 0.5, got.ShardBudgetFraction)
	assert.Equal(t, 4000, got.ByteBudget)
}

func TestErrorClassification(t *testing.T) {
	err := RequestErr(CodeNotFound, "connection %s not found", "c9")
	assert.Equal(t, CodeNotFound, RequestCode(err))
	assert.True(t, IsKind(err, KindRequest))
	assert.Equal(t, "connection c9 not found", err.Error())

	wrapped := Transient("read", ErrNotConnected)
	assert.ErrorIs(t, wrapped, ErrNotConnected)
	assert.Empty(t, RequestCode(wrapped))
	assert.Equal(t, "read: device session not connected", wrapped.Error())
}
