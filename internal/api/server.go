// Package api exposes the engine over HTTP: administrator controls, observer
// views and streams, a GTFS-RT feed, and geocoding helpers.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/engine"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	mmetrics "fleet-tracker/internal/metrics"
	"fleet-tracker/internal/observer"
	"fleet-tracker/internal/routing"
)

// Geocoder resolves place names and coordinates.
type Geocoder interface {
	Search(ctx context.Context, query string, limit int) ([]routing.Place, error)
	Reverse(ctx context.Context, at geo.Coordinate) (string, error)
}

type Options struct {
	AdminToken  string
	CORSOrigins []string
	Metrics     *mmetrics.Collector
}

type Server struct {
	engine   *engine.Manager
	observer *observer.Observer
	geocoder Geocoder
	opts     Options
}

func New(m *engine.Manager, obs *observer.Observer, g Geocoder, opts Options) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{engine: m, observer: obs, geocoder: g, opts: opts}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/vehicles", s.listStatuses)
		r.Route("/vehicles/{id}", func(r chi.Router) {
			r.Get("/", s.getStatus)
			r.Post("/start", s.action(func(c *engine.Controller, ss engine.Session) (bool, error) { return c.Start(ss) }))
			r.Post("/pause", s.action(func(c *engine.Controller, ss engine.Session) (bool, error) { return c.Pause(ss) }))
			r.Post("/resume", s.action(func(c *engine.Controller, ss engine.Session) (bool, error) { return c.Resume(ss) }))
			r.Post("/toggle", s.action(toggle))
			r.Post("/restart", s.action(func(c *engine.Controller, ss engine.Session) (bool, error) { return c.Restart(ss) }))
			r.Post("/return", s.action(func(c *engine.Controller, ss engine.Session) (bool, error) { return c.StartReturn(ss) }))
			r.Put("/speed", s.setSpeed)
			r.Post("/occupancy", s.adjustOccupancy)
		})
	})

	r.Get("/api/vehicles/{id}", s.observe)
	r.Get("/api/vehicles/{id}/ws", s.observeWS)
	r.Get("/api/nearby", s.nearby)
	r.Get("/api/geocode", s.geocode)
	r.Get("/api/reverse", s.reverse)
	r.Get("/gtfs-rt/vehicle-positions", s.vehiclePositions)
	return r
}

// requireAdmin checks the bearer token. Without a configured token every
// caller is an administrator, which is only meant for local runs.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminToken)) != 1 {
				respondError(w, http.StatusUnauthorized, "admin token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).Round(time.Microsecond),
			"req_id":   middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Status any    `json:"status,omitempty"`
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, ErrorResponse{Error: msg})
}

// respondErr maps engine errors to status codes.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrUnknownVehicle):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrInvalidSpeed):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Errorf("request failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
