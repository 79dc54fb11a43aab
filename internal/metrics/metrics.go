package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveJourneys prometheus.Gauge
	Observers      prometheus.Gauge

	JourneysStarted   *prometheus.CounterVec // direction label: forward|return
	JourneysCompleted *prometheus.CounterVec
	Arrivals          prometheus.Counter
	Snaps             prometheus.Counter
	TickPanics        prometheus.Counter

	TelemetryWrites    prometheus.Counter
	TelemetryWriteErrs prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	Geometry *prometheus.CounterVec // source label: routed|fallback

	CatalogRefreshes *prometheus.CounterVec // result label: ok|error

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	TimeScale       prometheus.Gauge
	PublishInterval prometheus.Gauge // seconds
	RefreshInterval prometheus.Gauge // seconds
}

func NewCollector(timeScale float64, publishInterval, refreshInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveJourneys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_journeys",
			Help: "Number of vehicles with a running simulation loop.",
		}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_observers",
			Help: "Number of connected WebSocket observers.",
		}),
		JourneysStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_journeys_started_total",
			Help: "Total journeys started.",
		}, []string{"direction"}),
		JourneysCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_journeys_completed_total",
			Help: "Total journeys that reached their final stop.",
		}, []string{"direction"}),
		Arrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_stop_arrivals_total",
			Help: "Total stop arrivals emitted by the simulator.",
		}),
		Snaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_geometry_snaps_total",
			Help: "Arrivals forced because the geometry ran out before the final stop.",
		}),
		TickPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_tick_panics_total",
			Help: "Journey loop callbacks that panicked and were recovered.",
		}),
		TelemetryWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_telemetry_writes_total",
			Help: "Total telemetry documents written to the shared store.",
		}),
		TelemetryWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_telemetry_write_errors_total",
			Help: "Total failed telemetry writes.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		Geometry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_geometry_resolved_total",
			Help: "Route geometries built, by source.",
		}, []string{"source"}),
		CatalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_catalog_refreshes_total",
			Help: "Fleet catalog refreshes.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_tick_duration_seconds",
			Help:    "Duration of simulation tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TimeScale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_time_scale",
			Help: "Simulated time acceleration factor.",
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_publish_interval_seconds",
			Help: "Telemetry write interval in seconds.",
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_refresh_interval_seconds",
			Help: "Catalog refresh interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveJourneys, c.Observers,
		c.JourneysStarted, c.JourneysCompleted, c.Arrivals, c.Snaps, c.TickPanics,
		c.TelemetryWrites, c.TelemetryWriteErrs,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.Geometry, c.CatalogRefreshes,
		c.TickDuration, c.PublishDuration,
		c.TimeScale, c.PublishInterval, c.RefreshInterval,
	)

	c.TimeScale.Set(timeScale)
	c.PublishInterval.Set(publishInterval.Seconds())
	c.RefreshInterval.Set(refreshInterval.Seconds())

	return c
}

// GeometryResolved satisfies geometry.Metrics.
func (c *Collector) GeometryResolved(source string) { c.Geometry.WithLabelValues(source).Inc() }

// TelemetryWritten satisfies telemetry.Metrics.
func (c *Collector) TelemetryWritten(err error) {
	if err != nil {
		c.TelemetryWriteErrs.Inc()
		return
	}
	c.TelemetryWrites.Inc()
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server error: %v", err)
		}
	}()
	log.Infof("metrics listening on %s", addr)
	return srv
}
