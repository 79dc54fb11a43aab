package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
)

// Invalidator drops cached geometry for a vehicle.
type Invalidator interface {
	Invalidate(vehicleID string)
}

// Manager owns one Controller per catalog vehicle and keeps the set in line
// with the catalog.
type Manager struct {
	catalog         fleet.Catalog
	opts            Options
	refreshInterval time.Duration

	base   context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	controllers map[string]*Controller
	wg          sync.WaitGroup

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func NewManager(catalog fleet.Catalog, opts Options, refreshInterval time.Duration) *Manager {
	opts.setDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		catalog:         catalog,
		opts:            opts,
		refreshInterval: refreshInterval,
		base:            base,
		cancel:          cancel,
		controllers:     make(map[string]*Controller),
	}
}

// RefreshCatalog loads the catalog, adds controllers for new vehicles, updates
// existing ones and drops vehicles that disappeared.
func (m *Manager) RefreshCatalog(ctx context.Context) error {
	vehicles, err := m.catalog.Vehicles(ctx)
	if err != nil {
		m.countRefresh("error")
		return fmt.Errorf("load fleet catalog: %w", err)
	}
	m.countRefresh("ok")

	seen := make(map[string]bool, len(vehicles))
	for _, v := range vehicles {
		seen[v.ID] = true
		m.mu.Lock()
		c, ok := m.controllers[v.ID]
		m.mu.Unlock()
		if ok {
			c.UpdateVehicle(v)
			continue
		}
		m.add(ctx, v)
	}

	m.mu.Lock()
	var gone []*Controller
	for id, c := range m.controllers {
		if !seen[id] {
			gone = append(gone, c)
			delete(m.controllers, id)
		}
	}
	m.mu.Unlock()
	for _, c := range gone {
		log.WithField("vehicle", c.vid).Info("vehicle removed from catalog")
		c.close()
		<-c.done
		if inv, ok := m.opts.Geometry.(Invalidator); ok {
			inv.Invalidate(c.vid)
		}
		if err := m.opts.Store.Delete(ctx, c.vid); err != nil {
			log.WithField("vehicle", c.vid).Warnf("delete vehicle document: %v", err)
		}
	}
	return nil
}

func (m *Manager) add(ctx context.Context, v fleet.Vehicle) {
	c := newController(m.base, v, &m.opts)
	c.restore(ctx)

	m.mu.Lock()
	if _, exists := m.controllers[v.ID]; exists {
		m.mu.Unlock()
		c.close()
		return
	}
	m.controllers[v.ID] = c
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		c.run()
	}()
	log.WithField("vehicle", v.ID).Infof("tracking vehicle (route %s, %d stops)", v.RouteNumber, len(v.Stops))
}

func (m *Manager) countRefresh(result string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.CatalogRefreshes.WithLabelValues(result).Inc()
	}
}

// StartRefresher loads the catalog immediately and then on every interval.
func (m *Manager) StartRefresher(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		if err := m.RefreshCatalog(ctx); err != nil {
			log.Errorf("initial catalog load: %v", err)
		}
		if m.refreshInterval <= 0 {
			return
		}
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshCatalog(ctx); err != nil {
					log.Errorf("refresh catalog: %v", err)
				}
			}
		}
	}()
}

// Controller returns the controller for one vehicle.
func (m *Manager) Controller(vehicleID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[vehicleID]
	if !ok {
		return nil, fmt.Errorf("vehicle %q: %w", vehicleID, fleet.ErrUnknownVehicle)
	}
	return c, nil
}

func (m *Manager) controllerList() []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vid < out[j].vid })
	return out
}

// Statuses lists every vehicle ordered by id.
func (m *Manager) Statuses() []Status {
	cs := m.controllerList()
	out := make([]Status, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Status())
	}
	return out
}

// NearbyVehicle is a vehicle with a stop close to a search point.
type NearbyVehicle struct {
	VehicleID   string  `json:"vehicleId"`
	RouteNumber string  `json:"routeNumber"`
	Name        string  `json:"name"`
	StopID      string  `json:"stopId"`
	StopName    string  `json:"stopName"`
	DistanceKm  float64 `json:"distanceKm"`
	Distance    string  `json:"distance"`
}

// Nearby finds vehicles whose route passes within radiusKm of p, closest
// first.
func (m *Manager) Nearby(p geo.Coordinate, radiusKm float64) []NearbyVehicle {
	var out []NearbyVehicle
	for _, c := range m.controllerList() {
		v := c.Vehicle()
		best, bestKm := -1, math.Inf(1)
		for i, s := range v.Stops {
			if d := geo.DistanceKm(p, s.Coord); d < bestKm {
				best, bestKm = i, d
			}
		}
		if best < 0 || bestKm > radiusKm {
			continue
		}
		s := v.Stops[best]
		out = append(out, NearbyVehicle{
			VehicleID:   v.ID,
			RouteNumber: v.RouteNumber,
			Name:        v.Name,
			StopID:      s.ID,
			StopName:    s.Name,
			DistanceKm:  bestKm,
			Distance:    geo.FormatDistanceKm(bestKm),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

// Stop halts the refresher and every controller, then waits for the
// telemetry writers to flush.
func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	for _, c := range m.controllerList() {
		c.close()
	}
	m.cancel()
	m.wg.Wait()
}
