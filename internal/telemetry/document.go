// Package telemetry writes vehicle state to the shared store at a bounded rate.
package telemetry

import (
	"time"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/journey"
	"fleet-tracker/internal/store"
)

// Document is the published state of one vehicle. Observers decode the same
// shape from store snapshots.
type Document struct {
	VehicleID        string          `json:"vehicleId"`
	RouteNumber      string          `json:"routeNumber"`
	Position         *geo.Coordinate `json:"position"`
	SpeedKmh         float64         `json:"speedKmh"`
	Bearing          float64         `json:"bearing"`
	Timestamp        time.Time       `json:"timestamp"`
	Status           string          `json:"status"`
	Phase            journey.Phase   `json:"phase"`
	IsReturn         bool            `json:"isReturn"`
	CurrentStopIndex int             `json:"currentStopIndex"`
	StopsFingerprint string          `json:"stopsFingerprint"`
	Authority        string          `json:"authority"`
	ServiceDate      string          `json:"serviceDate,omitempty"` // YYYY-MM-DD of the journey start
	StartTime        string          `json:"startTime,omitempty"`
	EndTime          string          `json:"endTime,omitempty"`
}

// Fields converts the document into a partial store write. Occupancy lives in
// the same store document but is written separately.
func (d Document) Fields() store.Fields {
	return store.Fields{
		"vehicleId":        d.VehicleID,
		"routeNumber":      d.RouteNumber,
		"position":         d.Position,
		"speedKmh":         d.SpeedKmh,
		"bearing":          d.Bearing,
		"timestamp":        d.Timestamp,
		"status":           d.Status,
		"phase":            d.Phase,
		"isReturn":         d.IsReturn,
		"currentStopIndex": d.CurrentStopIndex,
		"stopsFingerprint": d.StopsFingerprint,
		"authority":        d.Authority,
		"serviceDate":      d.ServiceDate,
		"startTime":        d.StartTime,
		"endTime":          d.EndTime,
	}
}

// Occupancy is the capacity part of the vehicle document.
type Occupancy struct {
	Occupancy int `json:"occupancy"`
	Capacity  int `json:"capacity"`
}

func (o Occupancy) Fields() store.Fields {
	return store.Fields{"occupancy": o.Occupancy, "capacity": o.Capacity}
}
