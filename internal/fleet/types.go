package fleet

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"fleet-tracker/internal/geo"
)

var ErrUnknownVehicle = errors.New("unknown vehicle")

type Direction string

const (
	Forward Direction = "forward"
	Return  Direction = "return"
)

type Stop struct {
	ID        string         `json:"id" yaml:"id" validate:"required"`
	Name      string         `json:"name" yaml:"name" validate:"required"`
	Coord     geo.Coordinate `json:"coord" yaml:"coord"`
	Time      string         `json:"time" yaml:"time" validate:"required"` // HH:MM scheduled time of day
	Sequence  int            `json:"sequence" yaml:"sequence"`
	DayOffset int            `json:"dayOffset,omitempty" yaml:"dayOffset" validate:"gte=0"`
}

type Vehicle struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	RouteNumber string `json:"routeNumber" yaml:"routeNumber" validate:"required"`
	Name        string `json:"name" yaml:"name"`
	Driver      string `json:"driver" yaml:"driver"`
	Capacity    int    `json:"capacity" yaml:"capacity" validate:"gte=0"`
	Occupancy   int    `json:"occupancy" yaml:"occupancy" validate:"gte=0"`
	Stops       []Stop `json:"stops" yaml:"stops" validate:"dive"`
	ReturnStops []Stop `json:"returnStops,omitempty" yaml:"returnStops" validate:"dive"`
}

// StopsFor returns the ordered stop list for a direction. Without an explicit
// return list the forward stops are reversed and renumbered.
func (v Vehicle) StopsFor(d Direction) []Stop {
	if d != Return {
		return v.Stops
	}
	if len(v.ReturnStops) > 0 {
		return v.ReturnStops
	}
	out := slices.Clone(v.Stops)
	slices.Reverse(out)
	for i := range out {
		out[i].Sequence = i + 1
	}
	return out
}

// Fingerprint identifies a stop set. Geometry is rebuilt whenever it changes.
func Fingerprint(stops []Stop) string {
	h := sha1.New()
	for _, s := range stops {
		fmt.Fprintf(h, "%s|%.6f|%.6f;", s.ID, s.Coord.Lat, s.Coord.Lng)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Coordinates returns the stop coordinates in order.
func Coordinates(stops []Stop) []geo.Coordinate {
	out := make([]geo.Coordinate, len(stops))
	for i, s := range stops {
		out[i] = s.Coord
	}
	return out
}

// Catalog is the read side of vehicle/stop administration.
type Catalog interface {
	Vehicles(ctx context.Context) ([]Vehicle, error)
	Vehicle(ctx context.Context, id string) (Vehicle, error)
}
