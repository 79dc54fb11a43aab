// Package eta estimates arrival times from a position, a speed and the stops
// still ahead. Estimate is pure so observers can run it on their own copy of
// the published state and agree with the engine.
package eta

import (
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
)

const fallbackSpeedKmh = 60.0

type Input struct {
	Position         *geo.Coordinate
	SpeedKmh         float64
	Stops            []fleet.Stop
	CurrentStopIndex int
	Now              time.Time
	// ServiceDay anchors stop times of day in its own location. Zero means
	// the day of Now as seen in Location.
	ServiceDay time.Time
	// Location is the timezone stop times are written in when ServiceDay is
	// zero. Nil falls back to Now's location.
	Location *time.Location
}

type Estimate struct {
	NextSeconds  *float64 `json:"etaNextSec"`
	FinalSeconds *float64 `json:"etaFinalSec"`
	Delayed      bool     `json:"delayed"`
	NextStopID   string   `json:"nextStopId,omitempty"`
}

func Compute(in Input) Estimate {
	if in.Position == nil || in.CurrentStopIndex < 0 || in.CurrentStopIndex >= len(in.Stops) {
		return Estimate{}
	}
	speed := in.SpeedKmh
	if speed <= 0 {
		speed = fallbackSpeedKmh
	}
	next := in.Stops[in.CurrentStopIndex]

	nextKm := geo.DistanceKm(*in.Position, next.Coord)
	finalKm := nextKm
	for i := in.CurrentStopIndex + 1; i < len(in.Stops); i++ {
		finalKm += geo.DistanceKm(in.Stops[i-1].Coord, in.Stops[i].Coord)
	}
	nextSec := nextKm / speed * 3600
	finalSec := finalKm / speed * 3600

	est := Estimate{NextSeconds: &nextSec, FinalSeconds: &finalSec, NextStopID: next.ID}
	est.Delayed = delayed(in, next, nextSec)
	return est
}

func delayed(in Input, next fleet.Stop, nextSec float64) bool {
	day := in.ServiceDay
	if day.IsZero() {
		loc := in.Location
		if loc == nil {
			loc = in.Now.Location()
		}
		day = in.Now.In(loc)
	}
	due, err := geo.ScheduledAt(day, next.Time, next.DayOffset)
	if err != nil {
		return false
	}
	arrival := in.Now.Add(time.Duration(nextSec * float64(time.Second)))
	return arrival.After(due)
}
