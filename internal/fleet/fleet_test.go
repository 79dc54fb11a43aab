package fleet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
vehicles:
  - id: bus-7
    routeNumber: "7A"
    name: City Loop
    driver: R. Singh
    capacity: 40
    occupancy: 55
    stops:
      - {id: c, name: Clock Tower, coord: {lat: 28.62, lng: 77.22}, time: "08:25", sequence: 3}
      - {id: a, name: Depot, coord: {lat: 28.60, lng: 77.20}, time: "08:00", sequence: 1}
      - {id: b, name: Market, coord: {lat: 28.61, lng: 77.21}, time: "08:10", sequence: 2}
`

func TestParseYAML(t *testing.T) {
	vs, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, vs, 1)

	v := vs[0]
	assert.Equal(t, 40, v.Occupancy, "occupancy is clamped to capacity")
	require.Len(t, v.Stops, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{v.Stops[0].ID, v.Stops[1].ID, v.Stops[2].ID})
}

func TestParseYAMLRejectsInvalid(t *testing.T) {
	_, err := ParseYAML([]byte("vehicles:\n  - id: x\n    capacity: -1\n"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("vehicles:\n  - {id: x, routeNumber: '1'}\n  - {id: x, routeNumber: '2'}\n"))
	assert.ErrorContains(t, err, "duplicate")
}

func TestStopsForReturn(t *testing.T) {
	vs, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	v := vs[0]

	ret := v.StopsFor(Return)
	require.Len(t, ret, 3)
	assert.Equal(t, "c", ret[0].ID)
	assert.Equal(t, 1, ret[0].Sequence)
	assert.Equal(t, "a", v.Stops[0].ID, "forward list is not mutated")

	v.ReturnStops = []Stop{{ID: "z"}}
	assert.Equal(t, "z", v.StopsFor(Return)[0].ID)
}

func TestFingerprint(t *testing.T) {
	vs, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	stops := vs[0].Stops
	assert.Equal(t, Fingerprint(stops), Fingerprint(append([]Stop(nil), stops...)))
	assert.NotEqual(t, Fingerprint(stops), Fingerprint(stops[:2]))
}

func TestFileCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	c, err := NewFileCatalog(path)
	require.NoError(t, err)

	v, err := c.Vehicle(context.Background(), "bus-7")
	require.NoError(t, err)
	assert.Equal(t, "7A", v.RouteNumber)

	_, err = c.Vehicle(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownVehicle)

	all, err := c.Vehicles(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
