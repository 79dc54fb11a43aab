package geo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceKm(t *testing.T) {
	a := Coordinate{Lat: 0, Lng: 0}
	b := Coordinate{Lat: 0, Lng: 1}
	assert.InDelta(t, 111.19, DistanceKm(a, b), 0.01)
	assert.Equal(t, 0.0, DistanceKm(b, b))
	assert.InDelta(t, DistanceKm(a, b)*1000, DistanceMeters(a, b), 1e-9)
}

func TestPathKm(t *testing.T) {
	path := []Coordinate{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 0, Lng: 2}}
	assert.InDelta(t, 2*DistanceKm(path[0], path[1]), PathKm(path), 1e-9)
	assert.Equal(t, 0.0, PathKm(path[:1]))
}

func TestBearingDeg(t *testing.T) {
	o := Coordinate{Lat: 0, Lng: 0}
	assert.InDelta(t, 0, BearingDeg(o, Coordinate{Lat: 1, Lng: 0}), 1e-6)
	assert.InDelta(t, 90, BearingDeg(o, Coordinate{Lat: 0, Lng: 1}), 1e-6)
	assert.InDelta(t, 270, BearingDeg(o, Coordinate{Lat: 0, Lng: -1}), 1e-6)
}

func TestClosestIndex(t *testing.T) {
	path := []Coordinate{{Lat: 10, Lng: 10}, {Lat: 10.5, Lng: 10.5}, {Lat: 11, Lng: 11}}
	assert.Equal(t, 1, ClosestIndex(path, Coordinate{Lat: 10.4, Lng: 10.6}))
	assert.Equal(t, -1, ClosestIndex(nil, Coordinate{}))
}

func TestWithinAndValid(t *testing.T) {
	assert.True(t, Within(Coordinate{Lat: 1, Lng: 1}, Coordinate{Lat: 1.0001, Lng: 0.9999}, 0.0002))
	assert.False(t, Within(Coordinate{Lat: 1, Lng: 1}, Coordinate{Lat: 1.0003, Lng: 1}, 0.0002))
	assert.False(t, Coordinate{}.Valid())
	assert.False(t, Coordinate{Lat: 91, Lng: 0}.Valid())
	assert.True(t, Coordinate{Lat: 28.6, Lng: 77.2}.Valid())
}

func TestElapsedMinutes(t *testing.T) {
	tests := []struct {
		from, to string
		want     int
	}{
		{"08:00", "08:25", 25},
		{"23:50", "00:10", 20},
		{"08:00", "08:00", 0},
		{"22:00", "25:30", 210},
	}
	for _, tc := range tests {
		got, err := ElapsedMinutes(tc.from, tc.to)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s -> %s", tc.from, tc.to)
	}

	_, err := ElapsedMinutes("8h", "09:00")
	assert.Error(t, err)
}

func TestScheduledAt(t *testing.T) {
	day := time.Date(2024, 5, 1, 17, 30, 0, 0, time.UTC)
	at, err := ScheduledAt(day, "08:10", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 10, 0, 0, time.UTC), at)

	at, err = ScheduledAt(day, "00:15", 1)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 15, 0, 0, time.UTC), at)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "1 min", FormatDuration(60))
	assert.Equal(t, "5 mins", FormatDuration(290))
	assert.Equal(t, "1h", FormatDuration(3600))
	assert.Equal(t, "2h 5m", FormatDuration(7500))
	assert.Equal(t, "N/A", FormatDuration(-1))

	assert.Equal(t, "250 m", FormatDistanceKm(0.25))
	assert.Equal(t, "1.50 km", FormatDistanceKm(1.5))

	assert.Equal(t, "8:05 AM", FormatClock("08:05"))
	assert.Equal(t, "12:00 PM", FormatClock("12:00"))
	assert.Equal(t, "12:30 AM", FormatClock("00:30"))
	assert.Equal(t, "N/A", FormatClock(""))
}
