package geometry

import (
	"context"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/routing"
)

type Source string

const (
	SourceRouted   Source = "routed"
	SourceFallback Source = "fallback"
)

// Geometry is the path a vehicle follows from its first to its last stop.
type Geometry struct {
	VehicleID   string
	Direction   fleet.Direction
	Fingerprint string
	Path        []geo.Coordinate
	Source      Source
	Duration    time.Duration   // zero for fallback paths
	Legs        []time.Duration // per-leg durations from the router, if any
}

// Metrics is the optional instrumentation hook.
type Metrics interface {
	GeometryResolved(source string)
}

// Cache memoizes one geometry per (vehicle, direction). An entry is reused only
// while the stop fingerprint matches; otherwise it is rebuilt from scratch.
type Cache struct {
	router  routing.Router
	timeout time.Duration
	metrics Metrics
	lru     gcache.Cache
	group   singleflight.Group
}

func NewCache(router routing.Router, size int, ttl, timeout time.Duration, m Metrics) *Cache {
	if size <= 0 {
		size = 512
	}
	b := gcache.New(size).LRU()
	if ttl > 0 {
		b = b.Expiration(ttl)
	}
	return &Cache{router: router, timeout: timeout, metrics: m, lru: b.Build()}
}

func key(vehicleID string, d fleet.Direction) string {
	return vehicleID + ":" + string(d)
}

// Geometry returns the cached path or builds one. It never fails: routing
// problems degrade to the straight line through the stops.
func (c *Cache) Geometry(ctx context.Context, vehicleID string, d fleet.Direction, stops []fleet.Stop) Geometry {
	fp := fleet.Fingerprint(stops)
	k := key(vehicleID, d)
	if v, err := c.lru.Get(k); err == nil {
		if g, ok := v.(Geometry); ok && g.Fingerprint == fp {
			return g
		}
	}
	v, _, _ := c.group.Do(k+"#"+fp, func() (any, error) {
		g := c.build(ctx, vehicleID, d, fp, stops)
		if err := c.lru.Set(k, g); err != nil {
			log.Warnf("geometry cache set %s: %v", k, err)
		}
		return g, nil
	})
	return v.(Geometry)
}

// Invalidate drops both directions for a vehicle.
func (c *Cache) Invalidate(vehicleID string) {
	c.lru.Remove(key(vehicleID, fleet.Forward))
	c.lru.Remove(key(vehicleID, fleet.Return))
}

func (c *Cache) build(ctx context.Context, vehicleID string, d fleet.Direction, fp string, stops []fleet.Stop) Geometry {
	g := Geometry{VehicleID: vehicleID, Direction: d, Fingerprint: fp}

	var usable []geo.Coordinate
	for _, s := range stops {
		if s.Coord.Valid() {
			usable = append(usable, s.Coord)
		}
	}
	if len(usable) >= 2 && c.router != nil {
		rctx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		r, err := c.router.Route(rctx, usable)
		switch {
		case err != nil:
			log.WithField("vehicle", vehicleID).Warnf("route fetch failed, using straight line: %v", err)
		case len(r.Path) < 2:
			log.WithField("vehicle", vehicleID).Warnf("route has %d points, using straight line", len(r.Path))
		default:
			g.Path = r.Path
			g.Source = SourceRouted
			g.Duration = r.Duration
			g.Legs = r.Legs
			c.observe(g.Source)
			return g
		}
	}
	g.Path = StraightLine(stops)
	g.Source = SourceFallback
	c.observe(g.Source)
	return g
}

func (c *Cache) observe(s Source) {
	if c.metrics != nil {
		c.metrics.GeometryResolved(string(s))
	}
}

// StraightLine connects the stops directly, one coordinate per stop.
func StraightLine(stops []fleet.Stop) []geo.Coordinate {
	return fleet.Coordinates(stops)
}

func (g Geometry) String() string {
	return fmt.Sprintf("%s/%s %s (%d pts)", g.VehicleID, g.Direction, g.Source, len(g.Path))
}
