package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/observer"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
)

func (s *Server) observe(w http.ResponseWriter, r *http.Request) {
	v, err := s.observer.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

type wsMessage struct {
	Type    string         `json:"type"`
	Payload *observer.View `json:"payload,omitempty"`
}

// observeWS streams observer views over a WebSocket. The stream is read-only;
// anything the client sends is discarded.
func (s *Server) observeWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.CORSOrigins})
	if err != nil {
		log.Warnf("websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	clientID := uuid.NewString()
	entry := log.WithFields(log.Fields{"client": clientID, "vehicle": id})
	if m := s.opts.Metrics; m != nil {
		m.Observers.Inc()
		defer m.Observers.Dec()
	}

	ctx := conn.CloseRead(r.Context())
	views, err := s.observer.Watch(ctx, id)
	if err != nil {
		entry.Debugf("watch: %v", err)
		conn.Close(websocket.StatusPolicyViolation, "unknown vehicle")
		return
	}
	entry.Debug("observer connected")

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			entry.Debug("observer disconnected")
			return
		case v, ok := <-views:
			if !ok {
				writeMessage(ctx, conn, wsMessage{Type: "removed"})
				conn.Close(websocket.StatusNormalClosure, "vehicle removed")
				return
			}
			if err := writeMessage(ctx, conn, wsMessage{Type: "view", Payload: &v}); err != nil {
				entry.Debugf("write: %v", err)
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func parseCoordinate(r *http.Request) (geo.Coordinate, bool) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	c := geo.Coordinate{Lat: lat, Lng: lng}
	return c, err1 == nil && err2 == nil && c.Valid()
}

func (s *Server) nearby(w http.ResponseWriter, r *http.Request) {
	p, ok := parseCoordinate(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius := 1.0
	if q := r.URL.Query().Get("radiusKm"); q != "" {
		v, err := strconv.ParseFloat(q, 64)
		if err != nil || v <= 0 {
			respondError(w, http.StatusBadRequest, "invalid radiusKm")
			return
		}
		radius = v
	}
	found := s.engine.Nearby(p, radius)
	respondJSON(w, http.StatusOK, map[string]any{"vehicles": found, "count": len(found)})
}

func (s *Server) geocode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	places, err := s.geocoder.Search(r.Context(), q, 5)
	if err != nil {
		log.Warnf("geocode %q: %v", q, err)
		respondError(w, http.StatusBadGateway, "geocoding unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"places": places})
}

func (s *Server) reverse(w http.ResponseWriter, r *http.Request) {
	p, ok := parseCoordinate(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	name, err := s.geocoder.Reverse(r.Context(), p)
	if err != nil {
		log.Warnf("reverse geocode %v: %v", p, err)
		respondError(w, http.StatusBadGateway, "geocoding unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"name": name, "coord": p})
}
