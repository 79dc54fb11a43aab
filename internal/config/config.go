package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	FleetFile    string
	DatabaseURL  string
	DatabaseName string

	NATSURL         string
	LogNATSSubjects bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PublishInterval        time.Duration
	TimeScale              float64
	SpeedMenu              []float64
	DefaultSpeed           float64
	CatalogRefreshInterval time.Duration

	HTTPAddr    string
	MetricsAddr string
	AdminToken  string
	CORSOrigins []string

	OSRMURL           string
	NominatimURL      string
	RoutingTimeout    time.Duration
	GeometryCacheSize int
	GeometryCacheTTL  time.Duration

	LogLevel log.Level
	Location *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Fleet catalog: a YAML file wins over Postgres when both are configured.
	cfg.FleetFile = os.Getenv("FLEET_FILE")
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, os.Getenv("PGDATABASE"), sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, os.Getenv("PGDATABASE"), sslmode)
		}
	}
	cfg.DatabaseURL = dsn
	cfg.DatabaseName = os.Getenv("FLEET_DB")
	if cfg.FleetFile == "" && cfg.DatabaseURL == "" {
		return nil, errors.New("FLEET_FILE, DATABASE_URL or PGDATABASE must be set")
	}

	// Empty disables the NATS fan-out.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Empty keeps the shared store in memory.
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB: %q", v)
		}
		cfg.RedisDB = n
	}

	// Telemetry write interval
	if v := os.Getenv("PUBLISH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid PUBLISH_INTERVAL_MS: %q", v)
		}
		cfg.PublishInterval = time.Duration(ms) * time.Millisecond
	} else {
		cfg.PublishInterval = 1800 * time.Millisecond
	}

	if v := os.Getenv("TIME_SCALE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid TIME_SCALE: %q", v)
		}
		cfg.TimeScale = f
	} else {
		cfg.TimeScale = 1.0
	}

	menu, err := parseSpeeds(getenvDefault("SPEED_MENU_KMH", "60,120,180,240,300"))
	if err != nil {
		return nil, fmt.Errorf("invalid SPEED_MENU_KMH: %w", err)
	}
	cfg.SpeedMenu = menu
	cfg.DefaultSpeed = menu[0]
	if v := os.Getenv("DEFAULT_SPEED_KMH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || !slices.Contains(menu, f) {
			return nil, fmt.Errorf("invalid DEFAULT_SPEED_KMH: %q (must be one of SPEED_MENU_KMH)", v)
		}
		cfg.DefaultSpeed = f
	}

	// Catalog refresh interval (seconds)
	if v := os.Getenv("CATALOG_REFRESH_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid CATALOG_REFRESH_INTERVAL_SEC: %q", v)
		}
		cfg.CatalogRefreshInterval = time.Duration(sec) * time.Second
	} else {
		cfg.CatalogRefreshInterval = 60 * time.Second
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.CORSOrigins = splitList(getenvDefault("CORS_ORIGINS", "*"))

	cfg.OSRMURL = getenvDefault("OSRM_URL", "https://router.project-osrm.org")
	cfg.NominatimURL = getenvDefault("NOMINATIM_URL", "https://nominatim.openstreetmap.org")
	if v := os.Getenv("ROUTING_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid ROUTING_TIMEOUT_MS: %q", v)
		}
		cfg.RoutingTimeout = time.Duration(ms) * time.Millisecond
	} else {
		cfg.RoutingTimeout = 8 * time.Second
	}

	if v := os.Getenv("GEOMETRY_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid GEOMETRY_CACHE_SIZE: %q", v)
		}
		cfg.GeometryCacheSize = n
	} else {
		cfg.GeometryCacheSize = 512
	}
	// Zero keeps geometries until their stops change.
	if v := os.Getenv("GEOMETRY_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid GEOMETRY_CACHE_TTL: %q", v)
		}
		cfg.GeometryCacheTTL = d
	} else {
		cfg.GeometryCacheTTL = 6 * time.Hour
	}

	lvl, err := log.ParseLevel(getenvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %v", err)
	}
	cfg.LogLevel = lvl

	// Time zone of stop schedules
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func parseSpeeds(s string) ([]float64, error) {
	var out []float64
	for _, p := range splitList(s) {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("bad speed %q", p)
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, errors.New("empty speed menu")
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
