// Package observer turns the shared store's vehicle documents into read-only
// views with locally computed ETAs.
package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/capacity"
	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/journey"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/telemetry"
)

var ErrVehicleRemoved = errors.New("vehicle removed")

// View is what a passenger sees of one vehicle.
type View struct {
	VehicleID        string          `json:"vehicleId"`
	RouteNumber      string          `json:"routeNumber"`
	Name             string          `json:"name"`
	Status           string          `json:"status"`
	Phase            journey.Phase   `json:"phase"`
	IsReturn         bool            `json:"isReturn"`
	CurrentStopIndex int             `json:"currentStopIndex"`
	Stops            []fleet.Stop    `json:"stops"`
	NextStop         *fleet.Stop     `json:"nextStop,omitempty"`
	ProgressPercent  int             `json:"progressPercent"`
	Position         *geo.Coordinate `json:"position"`
	SpeedKmh         float64         `json:"speedKmh"`
	Bearing          float64         `json:"bearing"`
	Occupancy        int             `json:"occupancy"`
	Capacity         int             `json:"capacity"`
	OccupancyPercent int             `json:"occupancyPercent"`
	ETA              eta.Estimate    `json:"eta"`
	ETANextText      string          `json:"etaNextText"`
	ETAFinalText     string          `json:"etaFinalText"`
	StartTime        string          `json:"startTime,omitempty"`
	EndTime          string          `json:"endTime,omitempty"`
	StartTimeText    string          `json:"startTimeText,omitempty"`
	EndTimeText      string          `json:"endTimeText,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Version          uint64          `json:"version"`
}

type Observer struct {
	store   store.Store
	catalog fleet.Catalog
	loc     *time.Location
	now     func() time.Time
}

func New(st store.Store, catalog fleet.Catalog, loc *time.Location) *Observer {
	if loc == nil {
		loc = time.Local
	}
	return &Observer{store: st, catalog: catalog, loc: loc, now: time.Now}
}

// Snapshot builds a single view from the current document.
func (o *Observer) Snapshot(ctx context.Context, vehicleID string) (View, error) {
	s, err := o.session(ctx, vehicleID)
	if err != nil {
		return View{}, err
	}
	snap, err := o.store.Get(ctx, vehicleID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.idle(), nil
	case err != nil:
		return View{}, fmt.Errorf("read %s: %w", vehicleID, err)
	}
	v, _, err := s.apply(ctx, snap)
	return v, err
}

// Watch streams views for one vehicle until ctx ends or the vehicle is
// removed. A slow reader only ever sees the latest view.
func (o *Observer) Watch(ctx context.Context, vehicleID string) (<-chan View, error) {
	s, err := o.session(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	snaps, err := o.store.Subscribe(ctx, store.Query{Key: vehicleID})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", vehicleID, err)
	}
	out := make(chan View, 1)
	go func() {
		defer close(out)
		for snap := range snaps {
			v, changed, err := s.apply(ctx, snap)
			if errors.Is(err, ErrVehicleRemoved) {
				return
			}
			if err != nil {
				log.WithField("vehicle", vehicleID).Warnf("observer: %v", err)
				continue
			}
			if changed {
				latest(out, v)
			}
		}
	}()
	return out, nil
}

func (o *Observer) session(ctx context.Context, vehicleID string) (*session, error) {
	v, err := o.catalog.Vehicle(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("observe %s: %w", vehicleID, err)
	}
	return &session{o: o, vehicle: v}, nil
}

// latest sends v, replacing an unread view if the buffer is full.
func latest(ch chan View, v View) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// etaInputs are the document fields the ETA depends on.
type etaInputs struct {
	pos   geo.Coordinate
	has   bool
	speed float64
	index int
	dir   fleet.Direction
}

// session holds one observer's derived state for a vehicle.
type session struct {
	o       *Observer
	vehicle fleet.Vehicle

	version uint64
	inputs  etaInputs
	est     eta.Estimate
	view    View
}

func (s *session) idle() View {
	m := journey.New(s.vehicle.StopsFor(fleet.Forward), nil)
	c := capacity.NewCounter(s.vehicle.Capacity, s.vehicle.Occupancy)
	stops := m.Stops()
	v := View{
		VehicleID:        s.vehicle.ID,
		RouteNumber:      s.vehicle.RouteNumber,
		Name:             s.vehicle.Name,
		Status:           m.Label(),
		Phase:            journey.NotStarted,
		Stops:            stops,
		Occupancy:        c.Value(),
		Capacity:         c.Capacity(),
		OccupancyPercent: c.Percent(),
		ETANextText:      geo.FormatDuration(-1),
		ETAFinalText:     geo.FormatDuration(-1),
	}
	if len(stops) > 0 {
		v.StartTime = stops[0].Time
		v.EndTime = stops[len(stops)-1].Time
	}
	v.clockLabels()
	return v
}

// clockLabels fills the 12-hour renderings of the journey window.
func (v *View) clockLabels() {
	if v.StartTime != "" {
		v.StartTimeText = geo.FormatClock(v.StartTime)
	}
	if v.EndTime != "" {
		v.EndTimeText = geo.FormatClock(v.EndTime)
	}
}

// apply folds a snapshot into the session. Snapshots older than the last one
// seen are ignored and reported unchanged.
func (s *session) apply(ctx context.Context, snap store.Snapshot) (View, bool, error) {
	if snap.Deleted {
		return View{}, false, fmt.Errorf("%s: %w", snap.Key, ErrVehicleRemoved)
	}
	if snap.Version != 0 && snap.Version <= s.version {
		return s.view, false, nil
	}
	var doc telemetry.Document
	if err := snap.Decode(&doc); err != nil {
		return s.view, false, err
	}
	var occ telemetry.Occupancy
	if err := snap.Decode(&occ); err != nil {
		return s.view, false, err
	}
	s.version = snap.Version

	dir := fleet.Forward
	if doc.IsReturn {
		dir = fleet.Return
	}
	stops := s.vehicle.StopsFor(dir)
	if doc.StopsFingerprint != "" && doc.StopsFingerprint != fleet.Fingerprint(stops) {
		if v, err := s.o.catalog.Vehicle(ctx, s.vehicle.ID); err == nil {
			s.vehicle = v
			stops = v.StopsFor(dir)
		}
	}

	phase := doc.Phase
	if phase == "" {
		phase = journey.NotStarted
	}
	m := journey.New(s.vehicle.StopsFor(fleet.Forward), s.vehicle.StopsFor(fleet.Return))
	m.Restore(journey.State{Phase: phase, IsReturn: doc.IsReturn, CurrentStopIndex: doc.CurrentStopIndex})
	st := m.State()

	in := etaInputs{speed: doc.SpeedKmh, index: st.CurrentStopIndex, dir: dir}
	if doc.Position != nil {
		in.pos, in.has = *doc.Position, true
	}
	if in != s.inputs || s.view.VehicleID == "" {
		s.inputs = in
		var serviceDay time.Time
		if d, err := time.ParseInLocation(time.DateOnly, doc.ServiceDate, s.o.loc); err == nil {
			serviceDay = d
		}
		s.est = eta.Compute(eta.Input{
			Position:         doc.Position,
			SpeedKmh:         doc.SpeedKmh,
			Stops:            stops,
			CurrentStopIndex: st.CurrentStopIndex,
			Now:              s.o.now(),
			ServiceDay:       serviceDay,
			Location:         s.o.loc,
		})
	}

	seats := occ.Capacity
	if seats == 0 {
		seats = s.vehicle.Capacity
	}
	counter := capacity.NewCounter(seats, occ.Occupancy)
	v := View{
		VehicleID:        s.vehicle.ID,
		RouteNumber:      s.vehicle.RouteNumber,
		Name:             s.vehicle.Name,
		Status:           m.Label(),
		Phase:            st.Phase,
		IsReturn:         st.IsReturn,
		CurrentStopIndex: st.CurrentStopIndex,
		Stops:            stops,
		ProgressPercent:  journey.ProgressPercent(st.CurrentStopIndex, len(stops)),
		Position:         doc.Position,
		SpeedKmh:         doc.SpeedKmh,
		Bearing:          doc.Bearing,
		Occupancy:        counter.Value(),
		Capacity:         counter.Capacity(),
		OccupancyPercent: counter.Percent(),
		ETA:              s.est,
		ETANextText:      seconds(s.est.NextSeconds),
		ETAFinalText:     seconds(s.est.FinalSeconds),
		StartTime:        doc.StartTime,
		EndTime:          doc.EndTime,
		Timestamp:        doc.Timestamp,
		Version:          snap.Version,
	}
	if next, ok := m.NextStop(); ok && st.Started() {
		v.NextStop = &next
	}
	v.clockLabels()
	s.view = v
	return v, true, nil
}

func seconds(s *float64) string {
	if s == nil {
		return geo.FormatDuration(-1)
	}
	return geo.FormatDuration(*s)
}
