package snapshot

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func sampleTags(n int) []domain.TagInfo {
	out := make([]domain.TagInfo, 0, n)
	for i := n - 1; i >= 0; i-- {
		ti := domain.TagInfo{Name: fmt.Sprintf("Tag%04d", i), Path: fmt.Sprintf("Tag%04d", i), DataType: "DINT"}
		if i%3 == 0 {
			ti.Program = "MainProgram"
			ti.Path = "Program:MainProgram." + ti.Name
		}
		out = append(out, ti)
	}
	return out
}

func TestPagesAreStableWhileAlive(t *testing.T) {
	r := New(time.Minute)
	tags := sampleTags(120)
	info := r.Create("c1", tags)
	assert.Equal(t, 120, info.Total)
	assert.Equal(t, 1, info.TotalPages)

	// mutate the source after capture; pages must not change
	tags[0].Name = "mutated"

	first, err := r.Page("c1", domain.PageRequest{SnapshotID: info.ID, Page: 1, Limit: 50})
	require.NoError(t, err)
	second, err := r.Page("c1", domain.PageRequest{SnapshotID: info.ID, Page: 1, Limit: 50})
	require.NoError(t, err)

	assert.Equal(t, first.Items, second.Items)
	assert.Len(t, first.Items, 50)
	assert.True(t, first.HasMore)
	assert.Equal(t, 3, first.TotalPages)
	assert.Equal(t, []string{"MainProgram"}, first.Programs)
	for _, it := range first.Items {
		assert.NotEqual(t, "mutated", it.Name)
	}

	last, err := r.Page("c1", domain.PageRequest{SnapshotID: info.ID, Page: 3, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, last.Items, 20)
	assert.False(t, last.HasMore)
}

func TestPageBeyondEndIsEmpty(t *testing.T) {
	r := New(time.Minute)
	info := r.Create("c1", sampleTags(5))

	for _, page := range []int{4, 1 << 40, int(^uint(0)>>1) / 2} {
		p, err := r.Page("c1", domain.PageRequest{SnapshotID: info.ID, Page: page, Limit: 2})
		require.NoError(t, err)
		assert.Empty(t, p.Items, "page %d", page)
		assert.False(t, p.HasMore)
		assert.Equal(t, 5, p.Total)
	}

	p, err := r.Page("c1", domain.PageRequest{SnapshotID: info.ID, Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, p.Items, 1)
}

func TestPageScopeAndSearch(t *testing.T) {
	r := New(time.Minute)
	info := r.Create("c1", sampleTags(30))

	ctrl, err := r.Page("c1", domain.PageRequest{SnapshotID: info.ID, Scope: "controller"})
	require.NoError(t, err)
	assert.Equal(t, 20, ctrl.TotalFiltered)
	assert.Equal(t, 30, ctrl.Total)

	prog, err := r.Page("c1", domain.PageRequest{SnapshotID: info.ID, Scope: "program:MainProgram"})
	require.NoError(t, err)
	assert.Equal(t, 10, prog.TotalFiltered)

	found, err := r.Page("c1", domain.PageRequest{SnapshotID: info.ID, Search: "tag000"})
	require.NoError(t, err)
	assert.Equal(t, 10, found.TotalFiltered)
	assert.Equal(t, 1, found.TotalPages)
}

func TestExpiryAndHeartbeat(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(time.Minute, WithClock(c.now))
	info := r.Create("c1", sampleTags(5))

	c.t = c.t.Add(50 * time.Second)
	hb, err := r.Heartbeat("c1", info.ID)
	require.NoError(t, err)
	assert.Equal(t, c.t.Add(time.Minute), hb.ExpiresAt)

	c.t = c.t.Add(50 * time.Second)
	_, err = r.Page("c1", domain.PageRequest{SnapshotID: info.ID})
	require.NoError(t, err)

	c.t = c.t.Add(2 * time.Minute)
	_, err = r.Page("c1", domain.PageRequest{SnapshotID: info.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSnapshotNotFound))
	assert.Equal(t, domain.CodeNotFound, domain.RequestCode(err))
	assert.Equal(t, 0, r.Len())
}

func TestDeleteAndOwnership(t *testing.T) {
	r := New(time.Minute, WithIDs(func() string { return "snap-1" }))
	info := r.Create("c1", sampleTags(3))
	assert.Equal(t, "snap-1", info.ID)

	_, err := r.Page("c2", domain.PageRequest{SnapshotID: info.ID})
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)

	require.NoError(t, r.Delete("c1", info.ID))
	assert.ErrorIs(t, r.Delete("c1", info.ID), domain.ErrSnapshotNotFound)
}

func TestDeleteOwner(t *testing.T) {
	r := New(time.Minute)
	r.Create("c1", sampleTags(1))
	r.Create("c1", sampleTags(1))
	r.Create("c2", sampleTags(1))

	assert.Equal(t, 2, r.DeleteOwner("c1"))
	assert.Equal(t, 1, r.Len())
}
