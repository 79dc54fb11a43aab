package journey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
)

func testVehicle() fleet.Vehicle {
	return fleet.Vehicle{
		ID: "bus-7",
		Stops: []fleet.Stop{
			{ID: "a", Name: "A", Coord: geo.Coordinate{Lat: 28.60, Lng: 77.20}, Time: "08:00"},
			{ID: "b", Name: "B", Coord: geo.Coordinate{Lat: 28.61, Lng: 77.21}, Time: "08:10"},
			{ID: "c", Name: "C", Coord: geo.Coordinate{Lat: 28.62, Lng: 77.22}, Time: "08:25"},
		},
	}
}

func newMachine() *Machine {
	v := testVehicle()
	return New(v.StopsFor(fleet.Forward), v.StopsFor(fleet.Return))
}

func TestForwardJourney(t *testing.T) {
	m := newMachine()
	assert.Equal(t, "Not Started", m.Label())
	assert.False(t, m.Resume())
	assert.False(t, m.OnArrival(0))

	require.True(t, m.Start())
	assert.False(t, m.Start())
	assert.Equal(t, "Ongoing to A", m.Label())

	require.True(t, m.OnArrival(0))
	assert.Equal(t, State{Phase: AtStop, CurrentStopIndex: 1}, m.State())
	assert.Equal(t, "Reached A", m.Label())
	assert.False(t, m.OnArrival(1), "arrival while waiting at a stop")

	require.True(t, m.Resume())
	assert.Equal(t, "Ongoing to B", m.Label())
	assert.False(t, m.OnArrival(2), "out of order arrival")

	require.True(t, m.OnArrival(1))
	assert.Equal(t, 2, m.State().CurrentStopIndex)
	assert.True(t, m.State().IsPaused())

	require.True(t, m.Resume())
	require.True(t, m.OnArrival(2))
	assert.Equal(t, State{Phase: Completed, CurrentStopIndex: 3}, m.State())
	assert.Equal(t, "Reached C", m.Label())
	_, ok := m.NextStop()
	assert.False(t, ok)
}

func TestStartReturnOnlyFromCompleted(t *testing.T) {
	m := newMachine()
	for _, prep := range []func(){
		func() {},
		func() { m.Start() },
		func() { m.OnArrival(0) },
		func() { m.Resume(); m.Pause() },
	} {
		prep()
		before := m.State()
		assert.False(t, m.StartReturn())
		assert.Equal(t, before, m.State())
	}
}

func TestReturnJourney(t *testing.T) {
	m := newMachine()
	require.True(t, m.Start())
	for i := 0; i < 3; i++ {
		require.True(t, m.OnArrival(i))
		m.Resume()
	}
	require.Equal(t, Completed, m.State().Phase)

	require.True(t, m.StartReturn())
	assert.Equal(t, State{Phase: Ongoing, IsReturn: true}, m.State())
	assert.Equal(t, fleet.Return, m.State().Direction())
	assert.Equal(t, "C", m.Stops()[0].Name)

	for i := 0; i < 3; i++ {
		require.True(t, m.OnArrival(i))
		m.Resume()
	}
	assert.Equal(t, "Reached A (Return)", m.Label())
	assert.False(t, m.StartReturn())

	require.True(t, m.Restart())
	assert.Equal(t, State{Phase: NotStarted}, m.State())
}

func TestRestartKeepsDirectionMidJourney(t *testing.T) {
	m := newMachine()
	m.Start()
	for i := 0; i < 3; i++ {
		m.OnArrival(i)
		m.Resume()
	}
	m.StartReturn()
	m.OnArrival(0)

	require.True(t, m.Restart())
	assert.Equal(t, State{Phase: NotStarted, IsReturn: true}, m.State())
	assert.True(t, m.Restart(), "restart is valid from any state")
}

func TestPauseMidLeg(t *testing.T) {
	m := newMachine()
	assert.False(t, m.Pause())
	m.Start()
	m.OnArrival(0)
	assert.False(t, m.Pause(), "already waiting at a stop")
	m.Resume()

	require.True(t, m.Pause())
	assert.Equal(t, "Paused before B", m.Label())
	assert.False(t, m.OnArrival(1))
	require.True(t, m.Resume())
	assert.True(t, m.OnArrival(1))
}

func TestStartNeedsTwoStops(t *testing.T) {
	v := testVehicle()
	m := New(v.Stops[:1], nil)
	assert.False(t, m.Start())
	assert.Equal(t, NotStarted, m.State().Phase)
}

func TestRestoreAndSetStopsClamp(t *testing.T) {
	m := newMachine()
	m.Restore(State{Phase: "bogus", CurrentStopIndex: 9})
	assert.Equal(t, State{Phase: NotStarted, CurrentStopIndex: 3}, m.State())

	m.Restore(State{Phase: AtStop, CurrentStopIndex: 2})
	v := testVehicle()
	m.SetStops(v.Stops[:1], nil)
	assert.Equal(t, 1, m.State().CurrentStopIndex)
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		idx, n, want int
	}{
		{0, 3, 0},
		{1, 3, 0},
		{2, 3, 50},
		{3, 3, 100},
		{5, 3, 100},
		{2, 4, 33},
		{1, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ProgressPercent(tt.idx, tt.n), "idx=%d n=%d", tt.idx, tt.n)
	}
}

func TestFinishFromOngoingOnly(t *testing.T) {
	m := newMachine()
	assert.False(t, m.Finish())
	m.Start()
	m.OnArrival(0)
	assert.False(t, m.Finish())
	m.Resume()
	require.True(t, m.Finish())
	assert.Equal(t, State{Phase: Completed, CurrentStopIndex: 3}, m.State())
}
