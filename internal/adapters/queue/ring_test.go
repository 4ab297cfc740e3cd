package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

func TestRingFIFOOrder(t *testing.T) {
	q := NewRing(4)

	p1 := &domain.Point{ConnectionID: "c", TagID: 1}
	p2 := &domain.Point{ConnectionID: "c", TagID: 2}

	require.True(t, q.Enqueue(1, p1))
	require.True(t, q.Enqueue(2, p2))

	batch := q.DequeueBatch(1)
	require.Len(t, batch, 1)
	assert.Equal(t, ports.WALEntryID(1), batch[0].ID)
	assert.Equal(t, int64(1), batch[0].Point.TagID)

	rest := q.DequeueBatch(10)
	require.Len(t, rest, 1)
	assert.Equal(t, ports.WALEntryID(2), rest[0].ID)
	assert.Zero(t, q.Len())
	assert.Nil(t, q.DequeueBatch(5), "empty queue returns a nil batch")
}

func TestRingCapacityAndWrap(t *testing.T) {
	q := NewRing(3)
	p := &domain.Point{ConnectionID: "cap"}

	for id := 1; id <= 3; id++ {
		require.True(t, q.Enqueue(ports.WALEntryID(id), p), "enqueue %d within capacity", id)
	}
	assert.False(t, q.Enqueue(4, p), "enqueue fails when full")

	q.DequeueBatch(2)
	require.True(t, q.Enqueue(5, p))
	require.True(t, q.Enqueue(6, p))

	var ids []ports.WALEntryID
	for _, qp := range q.DequeueBatch(0) {
		ids = append(ids, qp.ID)
	}
	assert.Equal(t, []ports.WALEntryID{3, 5, 6}, ids)
}

func TestRingReadySignal(t *testing.T) {
	q := NewRing(2)
	select {
	case <-q.Ready():
		t.Fatal("ready before enqueue")
	default:
	}
	q.Enqueue(1, &domain.Point{})
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}
}
