// Package sim advances a simulated vehicle along a route geometry.
package sim

import (
	"slices"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
)

// ArrivalTolerance is the per-axis distance in degrees (about 20 m) at which a
// path coordinate counts as being at a stop.
const ArrivalTolerance = 0.0002

// DefaultSpeedKmh applies whenever a non-positive speed is configured.
const DefaultSpeedKmh = 60.0

// Step is the outcome of a single tick.
type Step struct {
	Position   geo.Coordinate
	Cursor     int
	Arrived    bool
	StopIndex  int  // stop reached when Arrived
	Final      bool // the last stop was reached
	Snapped    bool // geometry ran out before the last stop
	Delay      time.Duration
	Bearing    float64
	Done       bool // nothing left to do; the caller should not reschedule
	ProgressKm float64
}

// Simulator holds a coordinate cursor and a stop cursor over one geometry.
// It is not safe for concurrent use; the owning controller serializes access.
type Simulator struct {
	path       []geo.Coordinate
	stops      []fleet.Stop
	cum        []float64
	cursor     int
	stopCursor int
	speedKmh   float64
}

// New builds a simulator. Stops that have no path vertex within tolerance are
// spliced into a private copy of the path so every stop can produce an arrival.
func New(path []geo.Coordinate, stops []fleet.Stop, speedKmh float64) *Simulator {
	p := anchorStops(path, stops)
	s := &Simulator{path: p, stops: stops, cum: cumulative(p)}
	s.SetSpeed(speedKmh)
	return s
}

func (s *Simulator) SetSpeed(kmh float64) {
	if kmh <= 0 {
		kmh = DefaultSpeedKmh
	}
	s.speedKmh = kmh
}

func (s *Simulator) Speed() float64         { return s.speedKmh }
func (s *Simulator) Cursor() int            { return s.cursor }
func (s *Simulator) StopCursor() int        { return s.stopCursor }
func (s *Simulator) Path() []geo.Coordinate { return s.path }

// Position is the coordinate under the cursor, or the final stop once the
// path is exhausted.
func (s *Simulator) Position() (geo.Coordinate, bool) {
	if s.cursor < len(s.path) {
		return s.path[s.cursor], true
	}
	if len(s.stops) > 0 {
		return s.stops[len(s.stops)-1].Coord, true
	}
	return geo.Coordinate{}, false
}

// Place positions both cursors for a (re)start. The coordinate cursor goes to
// the path vertex closest to the live position when known, else to the target
// stop, so a resumed journey does not jump backwards.
func (s *Simulator) Place(stopIndex int, live *geo.Coordinate) {
	if stopIndex < 0 {
		stopIndex = 0
	}
	if stopIndex > len(s.stops) {
		stopIndex = len(s.stops)
	}
	s.stopCursor = stopIndex
	var target geo.Coordinate
	switch {
	case live != nil:
		target = *live
	case stopIndex < len(s.stops):
		target = s.stops[stopIndex].Coord
	default:
		s.cursor = len(s.path)
		return
	}
	if i := geo.ClosestIndex(s.path, target); i >= 0 {
		s.cursor = i
	}
}

// Step performs one tick. On arrival the cursor stays on the stop coordinate;
// the caller halts until resumed, and the next Step starts from the same spot.
func (s *Simulator) Step() Step {
	if s.stopCursor >= len(s.stops) {
		pos, _ := s.Position()
		return Step{Position: pos, Cursor: s.cursor, Done: true, StopIndex: len(s.stops) - 1, Final: true}
	}
	if s.cursor >= len(s.path) {
		last := len(s.stops) - 1
		s.stopCursor = len(s.stops)
		return Step{
			Position:   s.stops[last].Coord,
			Cursor:     s.cursor,
			Arrived:    true,
			StopIndex:  last,
			Final:      true,
			Snapped:    true,
			ProgressKm: s.totalKm(),
		}
	}

	coord := s.path[s.cursor]
	st := Step{Position: coord, Cursor: s.cursor, ProgressKm: s.cum[s.cursor]}
	if geo.Within(coord, s.stops[s.stopCursor].Coord, ArrivalTolerance) {
		st.Arrived = true
		st.StopIndex = s.stopCursor
		s.stopCursor++
		st.Final = s.stopCursor == len(s.stops)
		return st
	}

	if s.cursor+1 < len(s.path) {
		next := s.path[s.cursor+1]
		km := geo.DistanceKm(coord, next)
		st.Delay = time.Duration(km / s.speedKmh * float64(time.Hour))
		st.Bearing = geo.BearingDeg(coord, next)
	}
	s.cursor++
	return st
}

func (s *Simulator) totalKm() float64 {
	if len(s.cum) == 0 {
		return 0
	}
	return s.cum[len(s.cum)-1]
}

func cumulative(path []geo.Coordinate) []float64 {
	cum := make([]float64, len(path))
	for i := 1; i < len(path); i++ {
		cum[i] = cum[i-1] + geo.DistanceKm(path[i-1], path[i])
	}
	return cum
}

// anchorStops returns a copy of path in which each stop, in order, has a
// vertex within ArrivalTolerance. Missing stops are inserted next to their
// closest vertex, never before the previous stop's anchor.
func anchorStops(path []geo.Coordinate, stops []fleet.Stop) []geo.Coordinate {
	out := slices.Clone(path)
	if len(out) == 0 {
		return out
	}
	from := 0
	hasPrev := false
	for _, st := range stops {
		j := from + geo.ClosestIndex(out[from:], st.Coord)
		if geo.Within(out[j], st.Coord, ArrivalTolerance) {
			from, hasPrev = j, true
			continue
		}
		before := false
		switch {
		case j > from:
			before = geo.DistanceKm(st.Coord, out[j-1]) < geo.DistanceKm(out[j], out[j-1])
		case !hasPrev && j+1 < len(out):
			before = geo.DistanceKm(st.Coord, out[j+1]) > geo.DistanceKm(out[j], out[j+1])
		}
		at := j + 1
		if before {
			at = j
		}
		out = slices.Insert(out, at, st.Coord)
		from, hasPrev = at, true
	}
	return out
}
