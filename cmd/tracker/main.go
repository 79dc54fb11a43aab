package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/api"
	"fleet-tracker/internal/config"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/engine"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geometry"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/observer"
	"fleet-tracker/internal/publisher"
	"fleet-tracker/internal/routing"
	"fleet-tracker/internal/sim"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	log.SetLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Catalog: a YAML file wins over Postgres when both are configured.
	var (
		catalog   fleet.Catalog
		occupancy engine.OccupancyStore
	)
	if cfg.FleetFile != "" {
		fc, err := fleet.NewFileCatalog(cfg.FleetFile)
		if err != nil {
			log.Fatalf("fleet file: %v", err)
		}
		catalog = reloadingCatalog{fc}
		log.Infof("using fleet file %s", cfg.FleetFile)
	} else {
		dsn := cfg.DatabaseURL
		if cfg.DatabaseName != "" {
			if dsn, err = db.WithDatabase(dsn, cfg.DatabaseName); err != nil {
				log.Fatalf("compose DSN: %v", err)
			}
		}
		var sqlDB *sql.DB
		if sqlDB, err = db.Open(dsn); err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		log.Infof("using database %s", db.Redact(dsn))
		dc := db.NewCatalog(sqlDB)
		catalog, occupancy = dc, dc
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.TimeScale, cfg.PublishInterval, cfg.CatalogRefreshInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv, "metrics")
	}

	var st store.Store
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("redis error: %v", err)
		}
		defer rs.Close()
		st = rs
		log.Infof("shared store: redis at %s", cfg.RedisAddr)
	} else {
		st = store.NewMemory()
		log.Info("shared store: in-memory (observers must use this process)")
	}

	var sink telemetry.Sink
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		sink = pub
	}

	router := routing.NewClient(cfg.OSRMURL, cfg.NominatimURL, cfg.RoutingTimeout)
	var gm geometry.Metrics
	if mcol != nil {
		gm = mcol
	}
	geom := geometry.NewCache(router, cfg.GeometryCacheSize, cfg.GeometryCacheTTL, cfg.RoutingTimeout, gm)

	mgr := engine.NewManager(catalog, engine.Options{
		Store:           st,
		Geometry:        geom,
		Scheduler:       sim.TimerScheduler{Scale: cfg.TimeScale},
		Sink:            sink,
		Occupancy:       occupancy,
		PublishInterval: cfg.PublishInterval,
		SpeedMenu:       cfg.SpeedMenu,
		DefaultSpeed:    cfg.DefaultSpeed,
		Location:        cfg.Location,
		Metrics:         mcol,
	}, cfg.CatalogRefreshInterval)
	mgr.StartRefresher(ctx)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.New(mgr, observer.New(st, catalog, cfg.Location), router, api.Options{
			AdminToken:  cfg.AdminToken,
			CORSOrigins: cfg.CORSOrigins,
			Metrics:     mcol,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server error: %v", err)
			cancel()
		}
	}()
	log.Infof("http listening on %s", cfg.HTTPAddr)
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set, admin endpoints are open")
	}

	<-ctx.Done()
	shutdown(srv, "http")
	mgr.Stop()
	log.Info("shutdown complete")
}

func shutdown(srv *http.Server, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("%s server shutdown: %v", name, err)
	}
}

// reloadingCatalog re-reads the fleet file on every refresh so edits are
// picked up without a restart. A broken edit keeps the previous catalog.
type reloadingCatalog struct{ *fleet.FileCatalog }

func (c reloadingCatalog) Vehicles(ctx context.Context) ([]fleet.Vehicle, error) {
	if err := c.Reload(); err != nil {
		log.Warnf("fleet file reload failed, keeping previous catalog: %v", err)
	}
	return c.FileCatalog.Vehicles(ctx)
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
