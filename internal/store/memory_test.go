package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Speed  float64 `json:"speedKmh"`
	Status string  `json:"status"`
}

func recv(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "channel closed")
		return s
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
		return Snapshot{}
	}
}

func TestPutMergesFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "bus-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "bus-1", Fields{"speedKmh": 60, "status": "Not Started"}))
	require.NoError(t, m.Put(ctx, "bus-1", Fields{"status": "Ongoing to A"}))

	s, err := m.Get(ctx, "bus-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Version)

	var d doc
	require.NoError(t, s.Decode(&d))
	assert.Equal(t, doc{Speed: 60, Status: "Ongoing to A"}, d)
}

func TestPutRejectsUnencodableField(t *testing.T) {
	m := NewMemory()
	err := m.Put(context.Background(), "bus-1", Fields{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestSubscribeByKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "bus-1", Fields{"status": "Not Started"}))

	ch, err := m.Subscribe(ctx, Query{Key: "bus-1"})
	require.NoError(t, err)

	first := recv(t, ch)
	assert.Equal(t, "bus-1", first.Key)
	assert.Equal(t, json.RawMessage(`"Not Started"`), first.Fields["status"])

	require.NoError(t, m.Put(ctx, "bus-2", Fields{"status": "x"}))
	require.NoError(t, m.Put(ctx, "bus-1", Fields{"status": "Ongoing to A"}))
	next := recv(t, ch)
	assert.Equal(t, "bus-1", next.Key)
	assert.Equal(t, uint64(2), next.Version)

	require.NoError(t, m.Delete(ctx, "bus-1"))
	gone := recv(t, ch)
	assert.True(t, gone.Deleted)
}

func TestSubscribeWithFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	fast := func(s Snapshot) bool {
		var d doc
		return s.Decode(&d) == nil && d.Speed >= 120
	}
	ch, err := m.Subscribe(ctx, Query{Where: fast})
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, "bus-1", Fields{"speedKmh": 60}))
	require.NoError(t, m.Put(ctx, "bus-2", Fields{"speedKmh": 180}))
	s := recv(t, ch)
	assert.Equal(t, "bus-2", s.Key)
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	ch, err := m.Subscribe(ctx, Query{Key: "bus-1"})
	require.NoError(t, err)

	const writes = subscriberBuffer * 4
	for i := 1; i <= writes; i++ {
		require.NoError(t, m.Put(ctx, "bus-1", Fields{"speedKmh": i}))
	}

	var last Snapshot
	prev := uint64(0)
	for len(ch) > 0 {
		last = <-ch
		assert.Greater(t, last.Version, prev)
		prev = last.Version
	}
	assert.Equal(t, uint64(writes), last.Version)
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	ch, err := m.Subscribe(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Subscribers())

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Subscribers())
	require.NoError(t, m.Put(context.Background(), "bus-1", Fields{"speedKmh": 1}))
}
