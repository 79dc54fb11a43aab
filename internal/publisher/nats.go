package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/telemetry"
)

// SubjectPrefix is the root of every telemetry subject: fleet.<route>.<vehicle>.
const SubjectPrefix = "fleet"

type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleet-tracker"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// TelemetryMessage is the bus representation of a persisted vehicle document.
type TelemetryMessage struct {
	VehicleID        string    `json:"vehicleId"`
	RouteNumber      string    `json:"routeNumber"`
	Timestamp        time.Time `json:"timestamp"`
	Lat              float64   `json:"lat"`
	Lng              float64   `json:"lng"`
	HasPosition      bool      `json:"hasPosition"`
	Bearing          float64   `json:"bearing"`
	SpeedKmh         float64   `json:"speedKmh"`
	Status           string    `json:"status"`
	Phase            string    `json:"phase"`
	IsReturn         bool      `json:"isReturn"`
	CurrentStopIndex int       `json:"currentStopIndex"`
}

func NewTelemetryMessage(d telemetry.Document) TelemetryMessage {
	msg := TelemetryMessage{
		VehicleID:        d.VehicleID,
		RouteNumber:      d.RouteNumber,
		Timestamp:        d.Timestamp,
		Bearing:          d.Bearing,
		SpeedKmh:         d.SpeedKmh,
		Status:           d.Status,
		Phase:            string(d.Phase),
		IsReturn:         d.IsReturn,
		CurrentStopIndex: d.CurrentStopIndex,
	}
	if d.Position != nil {
		msg.Lat, msg.Lng, msg.HasPosition = d.Position.Lat, d.Position.Lng, true
	}
	return msg
}

// PublishTelemetry satisfies telemetry.Sink.
func (p *NATSPublisher) PublishTelemetry(d telemetry.Document) error {
	return p.Publish(Subject(d.RouteNumber, d.VehicleID), NewTelemetryMessage(d))
}

func (p *NATSPublisher) Publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debugf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func Subject(routeNumber, vehicleID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(routeNumber), subjectToken(vehicleID))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

var _ telemetry.Sink = (*NATSPublisher)(nil)
