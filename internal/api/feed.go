package api

import (
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"fleet-tracker/internal/engine"
	"fleet-tracker/internal/journey"
)

// VehiclePositionsFeed builds a full-dataset GTFS-RT message with one entity
// per vehicle that has a known position.
func VehiclePositionsFeed(statuses []engine.Status, now time.Time) *gtfs.FeedMessage {
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, st := range statuses {
		if st.Position == nil {
			continue
		}
		vp := &gtfs.VehiclePosition{
			Trip: &gtfs.TripDescriptor{
				RouteId: proto.String(st.RouteNumber),
			},
			Vehicle: &gtfs.VehicleDescriptor{
				Id:    proto.String(st.VehicleID),
				Label: proto.String(st.Name),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(float32(st.Position.Lat)),
				Longitude: proto.Float32(float32(st.Position.Lng)),
				Bearing:   proto.Float32(float32(st.Bearing)),
				Speed:     proto.Float32(float32(st.SpeedKmh / 3.6)),
			},
			Timestamp:       proto.Uint64(uint64(now.Unix())),
			OccupancyStatus: occupancyStatus(st.OccupancyPercent).Enum(),
		}
		if st.IsReturn {
			vp.Trip.DirectionId = proto.Uint32(1)
		} else {
			vp.Trip.DirectionId = proto.Uint32(0)
		}
		if i := st.CurrentStopIndex; i < len(st.Stops) {
			vp.StopId = proto.String(st.Stops[i].ID)
			vp.CurrentStopSequence = proto.Uint32(uint32(i + 1))
		}
		switch st.Phase {
		case journey.AtStop, journey.Completed:
			vp.CurrentStatus = gtfs.VehiclePosition_STOPPED_AT.Enum()
			if i := st.CurrentStopIndex - 1; i >= 0 && i < len(st.Stops) {
				vp.StopId = proto.String(st.Stops[i].ID)
				vp.CurrentStopSequence = proto.Uint32(uint32(i + 1))
			}
		default:
			vp.CurrentStatus = gtfs.VehiclePosition_IN_TRANSIT_TO.Enum()
		}
		msg.Entity = append(msg.Entity, &gtfs.FeedEntity{
			Id:      proto.String(st.VehicleID),
			Vehicle: vp,
		})
	}
	return msg
}

func occupancyStatus(percent int) gtfs.VehiclePosition_OccupancyStatus {
	switch {
	case percent <= 0:
		return gtfs.VehiclePosition_EMPTY
	case percent < 50:
		return gtfs.VehiclePosition_MANY_SEATS_AVAILABLE
	case percent < 80:
		return gtfs.VehiclePosition_FEW_SEATS_AVAILABLE
	case percent < 100:
		return gtfs.VehiclePosition_STANDING_ROOM_ONLY
	default:
		return gtfs.VehiclePosition_FULL
	}
}

// vehiclePositions serves the feed as protobuf, or as JSON with ?format=json.
func (s *Server) vehiclePositions(w http.ResponseWriter, r *http.Request) {
	feed := VehiclePositionsFeed(s.engine.Statuses(), time.Now())
	if r.URL.Query().Get("format") == "json" {
		b, err := protojson.Marshal(feed)
		if err != nil {
			respondErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
		return
	}
	b, err := proto.Marshal(feed)
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	if _, err := w.Write(b); err != nil {
		log.Debugf("write feed: %v", err)
	}
}
