package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleet-tracker/internal/engine"
	"fleet-tracker/internal/journey"
)

type actionFunc func(c *engine.Controller, s engine.Session) (bool, error)

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*engine.Controller, bool) {
	c, err := s.engine.Controller(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	return c, true
}

func (s *Server) listStatuses(w http.ResponseWriter, r *http.Request) {
	statuses := s.engine.Statuses()
	respondJSON(w, http.StatusOK, map[string]any{"vehicles": statuses, "count": len(statuses)})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, c.Status())
}

// action runs a journey transition. A transition that does not apply in the
// current state answers 409 with the unchanged status.
func (s *Server) action(f actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.controller(w, r)
		if !ok {
			return
		}
		applied, err := f(c, engine.AdminSession(c.ID()))
		if err != nil {
			respondErr(w, err)
			return
		}
		st := c.Status()
		if !applied {
			respondJSON(w, http.StatusConflict, ErrorResponse{Error: fmt.Sprintf("not allowed while %s", st.Phase), Status: st})
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

// toggle is the single start/pause/resume button of the admin console.
func toggle(c *engine.Controller, s engine.Session) (bool, error) {
	switch c.Status().Phase {
	case journey.NotStarted:
		return c.Start(s)
	case journey.Ongoing:
		return c.Pause(s)
	case journey.AtStop, journey.Paused:
		return c.Resume(s)
	default:
		return false, nil
	}
}

type speedRequest struct {
	SpeedKmh float64 `json:"speedKmh"`
}

func (s *Server) setSpeed(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := c.SetSpeed(engine.AdminSession(c.ID()), req.SpeedKmh); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Status())
}

type occupancyRequest struct {
	Delta int `json:"delta"`
}

func (s *Server) adjustOccupancy(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req occupancyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if _, err := c.AdjustOccupancy(r.Context(), engine.AdminSession(c.ID()), req.Delta); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Status())
}
