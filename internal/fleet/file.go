package fleet

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type fileDoc struct {
	Vehicles []Vehicle `yaml:"vehicles" validate:"dive"`
}

// FileCatalog serves vehicles from a YAML document. Reload re-reads the file.
type FileCatalog struct {
	path string

	mu       sync.RWMutex
	vehicles map[string]Vehicle
}

func NewFileCatalog(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read fleet file: %w", err)
	}
	vs, err := ParseYAML(data)
	if err != nil {
		return err
	}
	m := make(map[string]Vehicle, len(vs))
	for _, v := range vs {
		m[v.ID] = v
	}
	c.mu.Lock()
	c.vehicles = m
	c.mu.Unlock()
	return nil
}

// ParseYAML decodes and validates a fleet document.
func ParseYAML(data []byte) ([]Vehicle, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fleet yaml: %w", err)
	}
	v := validator.New()
	seen := make(map[string]bool, len(doc.Vehicles))
	for i := range doc.Vehicles {
		veh := &doc.Vehicles[i]
		if err := v.Struct(veh); err != nil {
			return nil, fmt.Errorf("vehicle %d: %w", i, err)
		}
		if seen[veh.ID] {
			return nil, fmt.Errorf("duplicate vehicle id %q", veh.ID)
		}
		seen[veh.ID] = true
		if veh.Occupancy > veh.Capacity {
			veh.Occupancy = veh.Capacity
		}
		normalizeSequence(veh.Stops)
		normalizeSequence(veh.ReturnStops)
	}
	return doc.Vehicles, nil
}

func normalizeSequence(stops []Stop) {
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Sequence < stops[j].Sequence })
	for i := range stops {
		stops[i].Sequence = i + 1
	}
}

func (c *FileCatalog) Vehicles(_ context.Context) ([]Vehicle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Vehicle, 0, len(c.vehicles))
	for _, v := range c.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *FileCatalog) Vehicle(_ context.Context, id string) (Vehicle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vehicles[id]
	if !ok {
		return Vehicle{}, fmt.Errorf("vehicle %q: %w", id, ErrUnknownVehicle)
	}
	return v, nil
}
