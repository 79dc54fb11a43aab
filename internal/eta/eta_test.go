package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
)

func stops() []fleet.Stop {
	return []fleet.Stop{
		{ID: "a", Name: "A", Coord: geo.Coordinate{Lat: 28.60, Lng: 77.20}, Time: "08:00"},
		{ID: "b", Name: "B", Coord: geo.Coordinate{Lat: 28.61, Lng: 77.21}, Time: "08:10"},
		{ID: "c", Name: "C", Coord: geo.Coordinate{Lat: 28.62, Lng: 77.22}, Time: "08:25"},
	}
}

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func TestNoPosition(t *testing.T) {
	e := Compute(Input{Stops: stops(), SpeedKmh: 60, Now: at(23, 0)})
	assert.Nil(t, e.NextSeconds)
	assert.Nil(t, e.FinalSeconds)
	assert.False(t, e.Delayed)
}

func TestNoStopsRemaining(t *testing.T) {
	pos := geo.Coordinate{Lat: 28.62, Lng: 77.22}
	e := Compute(Input{Position: &pos, Stops: stops(), CurrentStopIndex: 3, SpeedKmh: 60, Now: at(8, 0)})
	assert.Nil(t, e.NextSeconds)
	assert.False(t, e.Delayed)
}

func TestSecondsFromDistanceAndSpeed(t *testing.T) {
	s := stops()
	pos := s[0].Coord
	e := Compute(Input{Position: &pos, Stops: s, CurrentStopIndex: 1, SpeedKmh: 120, Now: at(8, 0)})
	require.NotNil(t, e.NextSeconds)
	require.NotNil(t, e.FinalSeconds)

	wantNext := geo.DistanceKm(s[0].Coord, s[1].Coord) / 120 * 3600
	wantFinal := wantNext + geo.DistanceKm(s[1].Coord, s[2].Coord)/120*3600
	assert.InDelta(t, wantNext, *e.NextSeconds, 1e-6)
	assert.InDelta(t, wantFinal, *e.FinalSeconds, 1e-6)
	assert.Equal(t, "b", e.NextStopID)
}

func TestNonPositiveSpeedFallsBack(t *testing.T) {
	s := stops()
	pos := s[0].Coord
	base := Compute(Input{Position: &pos, Stops: s, CurrentStopIndex: 1, SpeedKmh: 60, Now: at(8, 0)})
	for _, speed := range []float64{0, -10} {
		e := Compute(Input{Position: &pos, Stops: s, CurrentStopIndex: 1, SpeedKmh: speed, Now: at(8, 0)})
		assert.Equal(t, *base.NextSeconds, *e.NextSeconds)
	}
}

func TestFinalNeverBeforeNext(t *testing.T) {
	s := stops()
	positions := []geo.Coordinate{
		{Lat: 28.60, Lng: 77.20},
		{Lat: 28.65, Lng: 77.10},
		{Lat: 28.615, Lng: 77.215},
		{Lat: 28.62, Lng: 77.22},
	}
	for _, p := range positions {
		for idx := 0; idx < len(s); idx++ {
			pos := p
			e := Compute(Input{Position: &pos, Stops: s, CurrentStopIndex: idx, SpeedKmh: 180, Now: at(8, 0)})
			require.NotNil(t, e.NextSeconds)
			assert.GreaterOrEqual(t, *e.FinalSeconds, *e.NextSeconds)
		}
	}
}

func TestDelayed(t *testing.T) {
	s := stops()
	pos := s[0].Coord
	in := Input{Position: &pos, Stops: s, CurrentStopIndex: 1, SpeedKmh: 60}
	// A to B is roughly 1.5 km, about 90 s at 60 km/h.
	in.Now = at(8, 5)
	assert.False(t, Compute(in).Delayed)

	in.Now = at(8, 9)
	assert.True(t, Compute(in).Delayed)

	in.Now = at(8, 10)
	assert.True(t, Compute(in).Delayed)
}

func TestDelayedAcrossMidnight(t *testing.T) {
	s := []fleet.Stop{
		{ID: "x", Coord: geo.Coordinate{Lat: 28.60, Lng: 77.20}, Time: "23:50"},
		{ID: "y", Coord: geo.Coordinate{Lat: 28.61, Lng: 77.21}, Time: "00:10", DayOffset: 1},
	}
	pos := s[0].Coord
	in := Input{
		Position:         &pos,
		Stops:            s,
		CurrentStopIndex: 1,
		SpeedKmh:         60,
		ServiceDay:       at(0, 0),
		Now:              at(23, 55),
	}
	assert.False(t, Compute(in).Delayed)

	in.Now = time.Date(2026, 3, 3, 0, 20, 0, 0, time.UTC)
	assert.True(t, Compute(in).Delayed)
}

func TestUnparseableScheduleIsNotDelayed(t *testing.T) {
	s := stops()
	s[1].Time = "soon"
	pos := s[0].Coord
	e := Compute(Input{Position: &pos, Stops: s, CurrentStopIndex: 1, SpeedKmh: 60, Now: at(23, 0)})
	assert.NotNil(t, e.NextSeconds)
	assert.False(t, e.Delayed)
}

func TestScheduleReadInServiceDayLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	pos := stops()[0].Coord
	in := Input{
		Position:   &pos,
		SpeedKmh:   60,
		Stops:      stops(),
		Now:        time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), // 07:30 IST
		ServiceDay: time.Date(2026, 3, 2, 0, 0, 0, 0, ist),
	}
	assert.False(t, Compute(in).Delayed, "half an hour early for 08:00 IST")

	in.Now = time.Date(2026, 3, 2, 2, 45, 0, 0, time.UTC) // 08:15 IST
	assert.True(t, Compute(in).Delayed)
}

func TestZeroServiceDayUsesLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	pos := stops()[0].Coord
	in := Input{
		Position: &pos,
		SpeedKmh: 60,
		Stops:    stops(),
		Now:      time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC),
		Location: ist,
	}
	assert.False(t, Compute(in).Delayed)

	in.Now = time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC) // 08:30 IST
	assert.True(t, Compute(in).Delayed)
}
