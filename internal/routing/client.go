package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twpayne/go-polyline"

	"fleet-tracker/internal/geo"
)

var ErrNoRoute = errors.New("no route")

// Route is a driving route through an ordered list of waypoints.
type Route struct {
	Path     []geo.Coordinate
	Duration time.Duration
	Legs     []time.Duration
	Meters   float64
}

// Place is a geocoding candidate.
type Place struct {
	Name  string         `json:"name"`
	Coord geo.Coordinate `json:"coord"`
}

// Router is what the geometry cache needs from a routing service.
type Router interface {
	Route(ctx context.Context, waypoints []geo.Coordinate) (Route, error)
}

// Client talks to an OSRM-compatible routing server and a Nominatim-compatible
// geocoder. Either base URL may be empty, in which case that half reports
// unavailability.
type Client struct {
	routeURL   string
	geocodeURL string
	userAgent  string
	http       *http.Client
}

func NewClient(routeURL, geocodeURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		routeURL:   strings.TrimRight(routeURL, "/"),
		geocodeURL: strings.TrimRight(geocodeURL, "/"),
		userAgent:  "fleet-tracker/1.0",
		http:       &http.Client{Timeout: timeout},
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry string  `json:"geometry"`
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
		Legs     []struct {
			Duration float64 `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

// Route requests a driving route. The returned path is lat/lng ordered.
func (c *Client) Route(ctx context.Context, waypoints []geo.Coordinate) (Route, error) {
	if c.routeURL == "" {
		return Route{}, fmt.Errorf("routing service not configured: %w", ErrNoRoute)
	}
	if len(waypoints) < 2 {
		return Route{}, fmt.Errorf("need at least 2 waypoints, got %d: %w", len(waypoints), ErrNoRoute)
	}
	parts := make([]string, len(waypoints))
	for i, w := range waypoints {
		parts[i] = strconv.FormatFloat(w.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(w.Lat, 'f', 6, 64)
	}
	u := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=polyline&steps=false", c.routeURL, strings.Join(parts, ";"))

	var body osrmResponse
	if err := c.getJSON(ctx, u, &body); err != nil {
		return Route{}, err
	}
	if body.Code != "" && body.Code != "Ok" {
		return Route{}, fmt.Errorf("osrm code %s: %w", body.Code, ErrNoRoute)
	}
	if len(body.Routes) == 0 {
		return Route{}, ErrNoRoute
	}
	r := body.Routes[0]
	coords, _, err := polyline.DecodeCoords([]byte(r.Geometry))
	if err != nil {
		return Route{}, fmt.Errorf("decode polyline: %w", err)
	}
	out := Route{
		Path:     make([]geo.Coordinate, 0, len(coords)),
		Duration: secondsToDuration(r.Duration),
		Meters:   r.Distance,
	}
	for _, c := range coords {
		out.Path = append(out.Path, geo.Coordinate{Lat: c[0], Lng: c[1]})
	}
	for _, l := range r.Legs {
		out.Legs = append(out.Legs, secondsToDuration(l.Duration))
	}
	return out, nil
}

type nominatimPlace struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
}

// Search returns up to limit candidate places for free text.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	if c.geocodeURL == "" {
		return nil, errors.New("geocoding service not configured")
	}
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "jsonv2")
	q.Set("limit", strconv.Itoa(limit))

	var raw []nominatimPlace
	if err := c.getJSON(ctx, c.geocodeURL+"/search?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	places := make([]Place, 0, len(raw))
	for _, p := range raw {
		pl, ok := p.toPlace()
		if !ok {
			continue
		}
		places = append(places, pl)
	}
	return places, nil
}

// Reverse returns a human readable name for a coordinate.
func (c *Client) Reverse(ctx context.Context, at geo.Coordinate) (string, error) {
	if c.geocodeURL == "" {
		return "", errors.New("geocoding service not configured")
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(at.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(at.Lng, 'f', 6, 64))
	q.Set("format", "jsonv2")

	var raw nominatimPlace
	if err := c.getJSON(ctx, c.geocodeURL+"/reverse?"+q.Encode(), &raw); err != nil {
		return "", err
	}
	if raw.DisplayName == "" {
		return "", errors.New("no place found")
	}
	return raw.DisplayName, nil
}

func (p nominatimPlace) toPlace() (Place, bool) {
	lat, err1 := strconv.ParseFloat(p.Lat, 64)
	lng, err2 := strconv.ParseFloat(p.Lon, 64)
	if err1 != nil || err2 != nil {
		return Place{}, false
	}
	return Place{Name: p.DisplayName, Coord: geo.Coordinate{Lat: lat, Lng: lng}}, true
}

func (c *Client) getJSON(ctx context.Context, u string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
