package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/capacity"
	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/geometry"
	"fleet-tracker/internal/journey"
	mmetrics "fleet-tracker/internal/metrics"
	"fleet-tracker/internal/sim"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/telemetry"
)

// tickRetryDelay spaces out ticks after a recovered panic.
const tickRetryDelay = time.Second

type GeometrySource interface {
	Geometry(ctx context.Context, vehicleID string, d fleet.Direction, stops []fleet.Stop) geometry.Geometry
}

// OccupancyStore persists occupancy outside the shared store, e.g. the
// Postgres catalog.
type OccupancyStore interface {
	SaveOccupancy(ctx context.Context, vehicleID string, load int) error
}

type Options struct {
	Store           store.Store
	Geometry        GeometrySource
	Scheduler       sim.Scheduler
	Sink            telemetry.Sink
	Occupancy       OccupancyStore
	PublishInterval time.Duration
	SpeedMenu       []float64
	DefaultSpeed    float64
	Location        *time.Location
	Metrics         *mmetrics.Collector
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.Store == nil {
		o.Store = store.NewMemory()
	}
	if o.Geometry == nil {
		o.Geometry = geometry.NewCache(nil, 0, 0, 0, nil)
	}
	if o.Scheduler == nil {
		o.Scheduler = sim.TimerScheduler{Scale: 1}
	}
	if len(o.SpeedMenu) == 0 {
		o.SpeedMenu = []float64{60, 120, 180, 240, 300}
	}
	if o.DefaultSpeed <= 0 {
		o.DefaultSpeed = sim.DefaultSpeedKmh
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Status is the administrator's view of one vehicle.
type Status struct {
	VehicleID        string          `json:"vehicleId"`
	RouteNumber      string          `json:"routeNumber"`
	Name             string          `json:"name"`
	Driver           string          `json:"driver"`
	Phase            journey.Phase   `json:"phase"`
	Label            string          `json:"status"`
	IsReturn         bool            `json:"isReturn"`
	CurrentStopIndex int             `json:"currentStopIndex"`
	Stops            []fleet.Stop    `json:"stops"`
	ProgressPercent  int             `json:"progressPercent"`
	Position         *geo.Coordinate `json:"position"`
	SpeedKmh         float64         `json:"speedKmh"`
	SpeedMenu        []float64       `json:"speedMenu"`
	Bearing          float64         `json:"bearing"`
	Occupancy        int             `json:"occupancy"`
	Capacity         int             `json:"capacity"`
	OccupancyPercent int             `json:"occupancyPercent"`
	ETA              eta.Estimate    `json:"eta"`
	ETANextText      string          `json:"etaNextText"`
	ETAFinalText     string          `json:"etaFinalText"`
	StartTime        string          `json:"startTime"`
	EndTime          string          `json:"endTime"`
	StartTimeText    string          `json:"startTimeText"`
	EndTimeText      string          `json:"endTimeText"`
	GeometrySource   string          `json:"geometrySource,omitempty"`
	RouteDuration    string          `json:"routeDuration,omitempty"`
	Authority        string          `json:"authority,omitempty"`
	Running          bool            `json:"running"`
}

// Controller drives the journey of one vehicle. All state sits behind mu;
// ticks and geometry loads are scheduler callbacks tagged with the epoch they
// were armed in, and a callback whose epoch is no longer current does nothing.
type Controller struct {
	vid    string
	opts   *Options
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	vehicle    fleet.Vehicle
	machine    *journey.Machine
	sim        *sim.Simulator
	simKey     string
	geom       geometry.Geometry
	speed      float64
	epoch      uint64
	timer      sim.Timer
	ticking    bool
	authority  string
	position   *geo.Coordinate
	bearing    float64
	serviceDay time.Time
	active     bool
	occupancy  *capacity.Counter

	// resumeDelay is what was left of the travel delay when the vehicle was
	// paused mid-segment.
	resumeDelay time.Duration

	writer *telemetry.Writer
	done   chan struct{}
}

func newController(parent context.Context, v fleet.Vehicle, opts *Options) *Controller {
	ctx, cancel := context.WithCancel(parent)
	var tm telemetry.Metrics
	if opts.Metrics != nil {
		tm = opts.Metrics
	}
	return &Controller{
		vid:       v.ID,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		vehicle:   v,
		machine:   journey.New(v.StopsFor(fleet.Forward), v.StopsFor(fleet.Return)),
		speed:     opts.DefaultSpeed,
		occupancy: capacity.NewCounter(v.Capacity, v.Occupancy),
		writer:    telemetry.NewWriter(opts.Store, opts.Sink, opts.PublishInterval, tm),
		done:      make(chan struct{}),
	}
}

// run drives the telemetry writer until the controller is closed.
func (c *Controller) run() {
	defer close(c.done)
	c.writer.Run(c.ctx)
}

func (c *Controller) ID() string { return c.vid }

// Start begins the journey in the current direction.
func (c *Controller) Start(s Session) (bool, error) {
	if err := s.canControl(c.vid); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.Start() {
		return false, nil
	}
	c.authority = uuid.NewString()
	c.serviceDay = c.opts.Now().In(c.opts.Location)
	c.countStart()
	c.arm(c.prepare, 0)
	c.publishLocked()
	log.WithField("vehicle", c.vid).Infof("journey started (%s, authority %s)", c.machine.State().Direction(), c.authority)
	return true, nil
}

// Pause halts the vehicle between stops.
func (c *Controller) Pause(s Session) (bool, error) {
	if err := s.canControl(c.vid); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.Pause() {
		return false, nil
	}
	var left time.Duration
	if c.ticking && c.timer != nil {
		left = c.timer.Remaining()
	}
	c.disarm()
	c.resumeDelay = left
	c.publishLocked()
	return true, nil
}

// Resume continues from the persisted cursor after an arrival or a pause.
func (c *Controller) Resume(s Session) (bool, error) {
	if err := s.canControl(c.vid); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.Resume() {
		return false, nil
	}
	if c.sim != nil && c.simKey == c.currentSimKey() {
		c.disarm()
		c.next(c.epoch, c.resumeDelay)
	} else {
		c.arm(c.prepare, 0)
	}
	c.resumeDelay = 0
	c.publishLocked()
	return true, nil
}

// StartReturn runs the reversed stop list once the forward journey is done.
func (c *Controller) StartReturn(s Session) (bool, error) {
	if err := s.canControl(c.vid); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.StartReturn() {
		return false, nil
	}
	c.sim = nil
	c.position = nil
	c.bearing = 0
	c.resumeDelay = 0
	c.authority = uuid.NewString()
	c.countStart()
	c.arm(c.prepare, 0)
	c.publishLocked()
	log.WithField("vehicle", c.vid).Info("return journey started")
	return true, nil
}

// Restart cancels any running loop and releases position authority.
func (c *Controller) Restart(s Session) (bool, error) {
	if err := s.canControl(c.vid); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machine.Restart()
	c.disarm()
	c.sim = nil
	c.position = nil
	c.bearing = 0
	c.resumeDelay = 0
	c.authority = ""
	c.serviceDay = time.Time{}
	c.publishLocked()
	return true, nil
}

// SetSpeed changes the simulated speed. Only future ticks are affected.
func (c *Controller) SetSpeed(s Session, kmh float64) error {
	if err := s.canControl(c.vid); err != nil {
		return err
	}
	if !slices.Contains(c.opts.SpeedMenu, kmh) {
		return fmt.Errorf("%v km/h not one of %v: %w", kmh, c.opts.SpeedMenu, ErrInvalidSpeed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = kmh
	if c.sim != nil {
		c.sim.SetSpeed(kmh)
	}
	c.publishLocked()
	return nil
}

// AdjustOccupancy applies a clamped delta and persists the new value.
func (c *Controller) AdjustOccupancy(ctx context.Context, s Session, delta int) (int, error) {
	if err := s.canControl(c.vid); err != nil {
		return 0, err
	}
	c.mu.Lock()
	counter := c.occupancy
	c.mu.Unlock()

	n := counter.Adjust(delta)
	occ := telemetry.Occupancy{Occupancy: n, Capacity: counter.Capacity()}
	if err := c.opts.Store.Put(ctx, c.vid, occ.Fields()); err != nil {
		return n, fmt.Errorf("persist occupancy of %s: %w", c.vid, err)
	}
	if c.opts.Occupancy != nil {
		if err := c.opts.Occupancy.SaveOccupancy(ctx, c.vid, n); err != nil {
			log.WithField("vehicle", c.vid).Warnf("save occupancy: %v", err)
		}
	}
	return n, nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.machine.State()
	stops := c.machine.Stops()
	now := c.opts.Now()
	est := eta.Compute(eta.Input{
		Position:         c.position,
		SpeedKmh:         c.speed,
		Stops:            stops,
		CurrentStopIndex: st.CurrentStopIndex,
		Now:              now,
		ServiceDay:       c.serviceDay,
		Location:         c.opts.Location,
	})
	out := Status{
		VehicleID:        c.vid,
		RouteNumber:      c.vehicle.RouteNumber,
		Name:             c.vehicle.Name,
		Driver:           c.vehicle.Driver,
		Phase:            st.Phase,
		Label:            c.machine.Label(),
		IsReturn:         st.IsReturn,
		CurrentStopIndex: st.CurrentStopIndex,
		Stops:            stops,
		ProgressPercent:  journey.ProgressPercent(st.CurrentStopIndex, len(stops)),
		Position:         clonePosition(c.position),
		SpeedKmh:         c.speed,
		SpeedMenu:        c.opts.SpeedMenu,
		Bearing:          c.bearing,
		Occupancy:        c.occupancy.Value(),
		Capacity:         c.occupancy.Capacity(),
		OccupancyPercent: c.occupancy.Percent(),
		ETA:              est,
		ETANextText:      formatSeconds(est.NextSeconds),
		ETAFinalText:     formatSeconds(est.FinalSeconds),
		Authority:        c.authority,
		Running:          c.active,
	}
	if len(stops) > 0 {
		out.StartTime = stops[0].Time
		out.EndTime = stops[len(stops)-1].Time
		out.StartTimeText = geo.FormatClock(out.StartTime)
		out.EndTimeText = geo.FormatClock(out.EndTime)
	}
	if c.geom.Source != "" {
		out.GeometrySource = string(c.geom.Source)
	}
	if c.geom.Duration > 0 {
		out.RouteDuration = geo.FormatDuration(c.geom.Duration.Seconds())
	}
	return out
}

// Vehicle returns the catalog entry the controller currently runs on.
func (c *Controller) Vehicle() fleet.Vehicle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vehicle
}

// UpdateVehicle applies a catalog change. A changed stop set drops the
// simulator; an ongoing journey reloads geometry and continues from its
// current position.
func (c *Controller) UpdateVehicle(v fleet.Vehicle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := fleet.Fingerprint(c.machine.Stops())
	c.vehicle = v
	c.machine.SetStops(v.StopsFor(fleet.Forward), v.StopsFor(fleet.Return))
	if v.Capacity != c.occupancy.Capacity() {
		c.occupancy = capacity.NewCounter(v.Capacity, c.occupancy.Value())
	}
	if fleet.Fingerprint(c.machine.Stops()) == before {
		return
	}
	log.WithField("vehicle", c.vid).Info("stop list changed, rebuilding geometry")
	c.sim = nil
	if c.machine.State().Phase == journey.Ongoing {
		c.arm(c.prepare, 0)
	}
	c.publishLocked()
}

// prepare loads the geometry for the active direction and starts ticking. The
// fetch runs without the lock, so the epoch is checked again afterwards.
func (c *Controller) prepare(epoch uint64) {
	defer c.recoverLoop(epoch, "prepare", c.prepare)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	dir := c.machine.State().Direction()
	stops := c.machine.Stops()
	c.mu.Unlock()

	g := c.opts.Geometry.Geometry(c.ctx, c.vid, dir, stops)

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch || c.machine.State().Phase != journey.Ongoing {
		return
	}
	c.geom = g
	c.sim = sim.New(g.Path, stops, c.speed)
	c.simKey = c.currentSimKey()
	c.sim.Place(c.machine.State().CurrentStopIndex, c.position)
	c.next(epoch, 0)
}

func (c *Controller) tick(epoch uint64) {
	defer c.recoverLoop(epoch, "tick", c.tick)

	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch || c.machine.State().Phase != journey.Ongoing || c.sim == nil {
		return
	}
	c.timer = nil
	c.ticking = false

	step := c.sim.Step()
	pos := step.Position
	c.position = &pos
	switch {
	case step.Done, step.Snapped:
		if step.Snapped && c.opts.Metrics != nil {
			c.opts.Metrics.Snaps.Inc()
		}
		log.WithField("vehicle", c.vid).Warn("geometry exhausted before final stop, snapping")
		c.machine.Finish()
		c.finished()
	case step.Arrived:
		if !c.machine.OnArrival(step.StopIndex) {
			log.WithField("vehicle", c.vid).Warnf("arrival at stop %d ignored in state %+v", step.StopIndex, c.machine.State())
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.Arrivals.Inc()
		}
		if c.machine.State().Phase == journey.Completed {
			c.finished()
		}
	default:
		c.bearing = step.Bearing
		c.next(epoch, step.Delay)
	}
	c.publishLocked()
	if c.opts.Metrics != nil {
		c.opts.Metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// recoverLoop logs a panic from a loop callback and tries the same stage
// again after tickRetryDelay, unless the loop has moved on meanwhile.
func (c *Controller) recoverLoop(epoch uint64, stage string, retry func(uint64)) {
	r := recover()
	if r == nil {
		return
	}
	log.WithField("vehicle", c.vid).Errorf("%s panic: %v", stage, r)
	if m := c.opts.Metrics; m != nil {
		m.TickPanics.Inc()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch || c.machine.State().Phase != journey.Ongoing {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.opts.Scheduler.AfterFunc(tickRetryDelay, func() { retry(epoch) })
	c.ticking = stage == "tick"
}

// arm starts a new loop: every earlier callback becomes stale.
func (c *Controller) arm(f func(uint64), d time.Duration) {
	c.disarm()
	epoch := c.epoch
	c.timer = c.opts.Scheduler.AfterFunc(d, func() { f(epoch) })
}

// next continues the loop of the given epoch with a tick after d.
func (c *Controller) next(epoch uint64, d time.Duration) {
	c.timer = c.opts.Scheduler.AfterFunc(d, func() { c.tick(epoch) })
	c.ticking = true
}

// disarm cancels the current loop. Calling it twice is harmless.
func (c *Controller) disarm() {
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.ticking = false
}

func (c *Controller) currentSimKey() string {
	return string(c.machine.State().Direction()) + ":" + fleet.Fingerprint(c.machine.Stops())
}

func (c *Controller) countStart() {
	if c.opts.Metrics != nil {
		c.opts.Metrics.JourneysStarted.WithLabelValues(string(c.machine.State().Direction())).Inc()
	}
}

func (c *Controller) finished() {
	if c.opts.Metrics != nil {
		c.opts.Metrics.JourneysCompleted.WithLabelValues(string(c.machine.State().Direction())).Inc()
	}
	log.WithField("vehicle", c.vid).Infof("journey completed: %s", c.machine.Label())
}

// syncActive keeps the active-journeys gauge in line with the phase.
func (c *Controller) syncActive() {
	active := c.machine.State().Phase == journey.Ongoing
	if active == c.active {
		return
	}
	c.active = active
	if m := c.opts.Metrics; m != nil {
		if active {
			m.ActiveJourneys.Inc()
		} else {
			m.ActiveJourneys.Dec()
		}
	}
}

func (c *Controller) document() telemetry.Document {
	st := c.machine.State()
	stops := c.machine.Stops()
	d := telemetry.Document{
		VehicleID:        c.vid,
		RouteNumber:      c.vehicle.RouteNumber,
		Position:         clonePosition(c.position),
		SpeedKmh:         c.speed,
		Bearing:          c.bearing,
		Timestamp:        c.opts.Now(),
		Status:           c.machine.Label(),
		Phase:            st.Phase,
		IsReturn:         st.IsReturn,
		CurrentStopIndex: st.CurrentStopIndex,
		StopsFingerprint: fleet.Fingerprint(stops),
		Authority:        c.authority,
	}
	if !c.serviceDay.IsZero() {
		d.ServiceDate = c.serviceDay.Format(time.DateOnly)
	}
	if len(stops) > 0 {
		d.StartTime = stops[0].Time
		d.EndTime = stops[len(stops)-1].Time
	}
	return d
}

func (c *Controller) publishLocked() {
	c.syncActive()
	c.writer.Offer(c.document())
}

// restore picks up a journey persisted by an earlier process. A document
// written for a different stop set is ignored.
func (c *Controller) restore(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.publishLocked()
		counter := c.occupancy
		c.mu.Unlock()
		occ := telemetry.Occupancy{Occupancy: counter.Value(), Capacity: counter.Capacity()}
		if err := c.opts.Store.Put(ctx, c.vid, occ.Fields()); err != nil {
			log.WithField("vehicle", c.vid).Warnf("publish occupancy: %v", err)
		}
	}()

	snap, err := c.opts.Store.Get(ctx, c.vid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithField("vehicle", c.vid).Warnf("read persisted state: %v", err)
		}
		return
	}
	var doc telemetry.Document
	if err := snap.Decode(&doc); err != nil {
		log.WithField("vehicle", c.vid).Warnf("persisted state unreadable: %v", err)
		return
	}
	var occ telemetry.Occupancy
	_, hasOcc := snap.Fields["occupancy"]

	c.mu.Lock()
	defer c.mu.Unlock()
	if hasOcc && snap.Decode(&occ) == nil {
		c.occupancy.Set(occ.Occupancy)
	}
	if doc.Phase == "" || doc.Phase == journey.NotStarted {
		return
	}
	dir := fleet.Forward
	if doc.IsReturn {
		dir = fleet.Return
	}
	if doc.StopsFingerprint != fleet.Fingerprint(c.vehicle.StopsFor(dir)) {
		log.WithField("vehicle", c.vid).Info("persisted journey belongs to an older stop list, starting fresh")
		return
	}
	c.machine.Restore(journey.State{Phase: doc.Phase, IsReturn: doc.IsReturn, CurrentStopIndex: doc.CurrentStopIndex})
	c.position = clonePosition(doc.Position)
	c.bearing = doc.Bearing
	if slices.Contains(c.opts.SpeedMenu, doc.SpeedKmh) {
		c.speed = doc.SpeedKmh
	}
	if day, err := time.ParseInLocation(time.DateOnly, doc.ServiceDate, c.opts.Location); err == nil {
		c.serviceDay = day
	}
	c.authority = uuid.NewString()
	if c.machine.State().Phase == journey.Ongoing {
		c.arm(c.prepare, 0)
	}
	log.WithField("vehicle", c.vid).Infof("restored journey: %s", c.machine.Label())
}

// close stops the loop and the telemetry writer.
func (c *Controller) close() {
	c.mu.Lock()
	c.disarm()
	if c.active {
		c.active = false
		if m := c.opts.Metrics; m != nil {
			m.ActiveJourneys.Dec()
		}
	}
	c.mu.Unlock()
	c.cancel()
}

func clonePosition(p *geo.Coordinate) *geo.Coordinate {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func formatSeconds(s *float64) string {
	if s == nil {
		return geo.FormatDuration(-1)
	}
	return geo.FormatDuration(*s)
}
