package observer

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/journey"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/telemetry"
)

var (
	stopA = geo.Coordinate{Lat: 28.600, Lng: 77.200}
	stopB = geo.Coordinate{Lat: 28.610, Lng: 77.210}
	stopC = geo.Coordinate{Lat: 28.620, Lng: 77.220}
)

type oneVehicle struct{ v fleet.Vehicle }

func (c oneVehicle) Vehicles(context.Context) ([]fleet.Vehicle, error) {
	return []fleet.Vehicle{c.v}, nil
}

func (c oneVehicle) Vehicle(_ context.Context, id string) (fleet.Vehicle, error) {
	if id != c.v.ID {
		return fleet.Vehicle{}, fleet.ErrUnknownVehicle
	}
	return c.v, nil
}

func bus() fleet.Vehicle {
	return fleet.Vehicle{
		ID:          "bus-7",
		RouteNumber: "42",
		Capacity:    40,
		Occupancy:   8,
		Stops: []fleet.Stop{
			{ID: "a", Name: "A", Coord: stopA, Time: "08:00"},
			{ID: "b", Name: "B", Coord: stopB, Time: "08:10"},
			{ID: "c", Name: "C", Coord: stopC, Time: "08:25"},
		},
	}
}

func newObserver(t *testing.T) (*Observer, *store.Memory, *atomic.Int32) {
	t.Helper()
	mem := store.NewMemory()
	o := New(mem, oneVehicle{v: bus()}, time.UTC)
	var calls atomic.Int32
	o.now = func() time.Time {
		calls.Add(1)
		return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	}
	return o, mem, &calls
}

func atB() telemetry.Document {
	v := bus()
	return telemetry.Document{
		VehicleID:        v.ID,
		Position:         &stopB,
		SpeedKmh:         60,
		Status:           "Reached B",
		Phase:            journey.AtStop,
		CurrentStopIndex: 2,
		StopsFingerprint: fleet.Fingerprint(v.Stops),
		ServiceDate:      "2026-03-02",
	}
}

func next(t *testing.T, ch <-chan View) View {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no view")
		return View{}
	}
}

func TestSnapshotWithoutDocument(t *testing.T) {
	o, _, _ := newObserver(t)
	v, err := o.Snapshot(context.Background(), "bus-7")
	require.NoError(t, err)
	assert.Equal(t, "Not Started", v.Status)
	assert.Equal(t, 8, v.Occupancy)
	assert.Equal(t, 20, v.OccupancyPercent)
	assert.Equal(t, "N/A", v.ETANextText)
	assert.Nil(t, v.Position)
	assert.Equal(t, "8:00 AM", v.StartTimeText)
	assert.Equal(t, "8:25 AM", v.EndTimeText)

	_, err = o.Snapshot(context.Background(), "bus-9")
	assert.ErrorIs(t, err, fleet.ErrUnknownVehicle)
}

func TestSnapshotComputesETA(t *testing.T) {
	o, mem, _ := newObserver(t)
	ctx := context.Background()
	require.NoError(t, mem.Put(ctx, "bus-7", atB().Fields()))

	v, err := o.Snapshot(ctx, "bus-7")
	require.NoError(t, err)
	assert.Equal(t, "Reached B", v.Status)
	assert.Equal(t, 50, v.ProgressPercent)
	require.NotNil(t, v.NextStop)
	assert.Equal(t, "C", v.NextStop.Name)
	require.NotNil(t, v.ETA.NextSeconds)
	assert.InDelta(t, geo.DistanceKm(stopB, stopC)/60*3600, *v.ETA.NextSeconds, 1)
	assert.False(t, v.ETA.Delayed)
	assert.Equal(t, 40, v.Capacity, "capacity falls back to the catalog")
}

func TestWatchRecomputesOnlyOnInputChange(t *testing.T) {
	o, mem, calls := newObserver(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mem.Put(ctx, "bus-7", atB().Fields()))

	ch, err := o.Watch(ctx, "bus-7")
	require.NoError(t, err)
	first := next(t, ch)
	assert.Equal(t, 2, first.CurrentStopIndex)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, mem.Put(ctx, "bus-7", telemetry.Occupancy{Occupancy: 30, Capacity: 40}.Fields()))
	v := next(t, ch)
	assert.Equal(t, 30, v.Occupancy)
	assert.Equal(t, first.ETA, v.ETA)
	assert.Equal(t, int32(1), calls.Load(), "occupancy does not affect the ETA")

	require.NoError(t, mem.Put(ctx, "bus-7", store.Fields{"speedKmh": 120}))
	v = next(t, ch)
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, *v.ETA.NextSeconds, *first.ETA.NextSeconds)
}

func TestWatchEndsWhenVehicleRemoved(t *testing.T) {
	o, mem, _ := newObserver(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mem.Put(ctx, "bus-7", atB().Fields()))

	ch, err := o.Watch(ctx, "bus-7")
	require.NoError(t, err)
	next(t, ch)
	require.NoError(t, mem.Delete(ctx, "bus-7"))

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestOlderSnapshotIgnored(t *testing.T) {
	o, _, _ := newObserver(t)
	s, err := o.session(context.Background(), "bus-7")
	require.NoError(t, err)

	raw := func(idx int) map[string]json.RawMessage {
		d := atB()
		d.CurrentStopIndex = idx
		b, _ := json.Marshal(d)
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	}
	v, changed, err := s.apply(context.Background(), store.Snapshot{Key: "bus-7", Version: 5, Fields: raw(2)})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, 2, v.CurrentStopIndex)

	v, changed, err = s.apply(context.Background(), store.Snapshot{Key: "bus-7", Version: 3, Fields: raw(1)})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 2, v.CurrentStopIndex)
}
