package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fleet-tracker/internal/fleet"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Catalog reads vehicles and their stop lists from Postgres.
//
//	buses(bus_id, route_no, bus_name, driver_name, capacity, curr_load)
//	bus_stops(bus_id, direction, stop_id, stop_time, seq, day_offset)
//	stops(stop_id, stop_name, lat, lng) or stops(stop_id, stop_name, stop_loc geography)
type Catalog struct {
	db *sql.DB
}

func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Vehicles(ctx context.Context) ([]fleet.Vehicle, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT bus_id, route_no, COALESCE(bus_name, ''), COALESCE(driver_name, ''), capacity, COALESCE(curr_load, 0)
FROM buses ORDER BY bus_id`)
	if err != nil {
		return nil, fmt.Errorf("query buses: %w", err)
	}
	defer rows.Close()

	var vs []fleet.Vehicle
	for rows.Next() {
		var v fleet.Vehicle
		if err := rows.Scan(&v.ID, &v.RouteNumber, &v.Name, &v.Driver, &v.Capacity, &v.Occupancy); err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range vs {
		if err := c.loadStops(ctx, &vs[i]); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func (c *Catalog) Vehicle(ctx context.Context, id string) (fleet.Vehicle, error) {
	var v fleet.Vehicle
	err := c.db.QueryRowContext(ctx, `
SELECT bus_id, route_no, COALESCE(bus_name, ''), COALESCE(driver_name, ''), capacity, COALESCE(curr_load, 0)
FROM buses WHERE bus_id = $1`, id).Scan(&v.ID, &v.RouteNumber, &v.Name, &v.Driver, &v.Capacity, &v.Occupancy)
	if err == sql.ErrNoRows {
		return fleet.Vehicle{}, fmt.Errorf("vehicle %q: %w", id, fleet.ErrUnknownVehicle)
	}
	if err != nil {
		return fleet.Vehicle{}, fmt.Errorf("query bus %s: %w", id, err)
	}
	if err := c.loadStops(ctx, &v); err != nil {
		return fleet.Vehicle{}, err
	}
	return v, nil
}

func (c *Catalog) loadStops(ctx context.Context, v *fleet.Vehicle) error {
	fwd, err := c.fetchStops(ctx, v.ID, fleet.Forward)
	if err != nil {
		return err
	}
	ret, err := c.fetchStops(ctx, v.ID, fleet.Return)
	if err != nil {
		return err
	}
	v.Stops = fwd
	v.ReturnStops = ret
	if v.Occupancy > v.Capacity {
		v.Occupancy = v.Capacity
	}
	return nil
}

func (c *Catalog) fetchStops(ctx context.Context, busID string, dir fleet.Direction) ([]fleet.Stop, error) {
	// Prefer lat/lng columns, but support a PostGIS stop_loc geography as fallback
	cols, err := hasColumns(ctx, c.db, "public", "stops", "lat", "lng", "stop_loc")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	var coordSQL string
	switch {
	case cols["lat"] && cols["lng"]:
		coordSQL = `COALESCE(s.lat, 0), COALESCE(s.lng, 0)`
	case cols["stop_loc"]:
		coordSQL = `COALESCE(ST_Y(s.stop_loc::geometry), 0), COALESCE(ST_X(s.stop_loc::geometry), 0)`
	default:
		return nil, fmt.Errorf("stops table missing expected columns (lat/lng or stop_loc)")
	}
	q := `SELECT bs.stop_id, COALESCE(s.stop_name, 'Unknown Stop'), ` + coordSQL + `,
                 COALESCE(bs.stop_time::text, ''), bs.seq, COALESCE(bs.day_offset, 0)
          FROM bus_stops bs
          LEFT JOIN stops s ON s.stop_id = bs.stop_id
          WHERE bs.bus_id = $1 AND bs.direction = $2
          ORDER BY bs.seq`
	rows, err := c.db.QueryContext(ctx, q, busID, string(dir))
	if err != nil {
		return nil, fmt.Errorf("query bus_stops: %w", err)
	}
	defer rows.Close()

	var stops []fleet.Stop
	for rows.Next() {
		var s fleet.Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.Coord.Lat, &s.Coord.Lng, &s.Time, &s.Sequence, &s.DayOffset); err != nil {
			return nil, err
		}
		s.Time = trimSeconds(s.Time)
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

// trimSeconds turns a Postgres time ("08:10:00") into HH:MM.
func trimSeconds(s string) string {
	s = strings.TrimSpace(s)
	if parts := strings.Split(s, ":"); len(parts) == 3 {
		return parts[0] + ":" + parts[1]
	}
	return s
}

// SaveOccupancy persists the current load so a restart of the process resumes
// with the last known occupancy.
func (c *Catalog) SaveOccupancy(ctx context.Context, busID string, load int) error {
	_, err := c.db.ExecContext(ctx, `UPDATE buses SET curr_load = $2 WHERE bus_id = $1`, busID, load)
	if err != nil {
		return fmt.Errorf("update curr_load: %w", err)
	}
	return nil
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}

var _ fleet.Catalog = (*Catalog)(nil)
