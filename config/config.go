// Package config loads the admissiond configuration from environment
// variables, optionally seeded from a .env file.
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Every variable is prefixed with ADMISSION_, e.g. ADMISSION_STORE_BACKEND=redis.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jassus213/go-admission/monitor"
	"github.com/jassus213/go-admission/sink"
	"github.com/jassus213/go-admission/store"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Log backends.
const (
	LogStd     = "std"
	LogSlog    = "slog"
	LogZap     = "zap"
	LogZerolog = "zerolog"
	LogLogrus  = "logrus"
)

// Config is the complete admissiond configuration.
type Config struct {
	HTTPAddr        string        `env:"ADMISSION_HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"ADMISSION_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	// PolicyFile is a YAML policy table. Empty uses the built-in defaults.
	PolicyFile string `env:"ADMISSION_POLICY_FILE"`

	Log        LogConfig        `envPrefix:"ADMISSION_LOG_"`
	Controller ControllerConfig `envPrefix:"ADMISSION_"`
	Store      StoreConfig      `envPrefix:"ADMISSION_STORE_"`
	Monitor    MonitorConfig    `envPrefix:"ADMISSION_MONITOR_"`
	Alerts     AlertConfig      `envPrefix:"ADMISSION_ALERT_"`
}

// LogConfig selects the logging backend.
type LogConfig struct {
	Backend string `env:"BACKEND" envDefault:"zap"`
	Level   string `env:"LEVEL" envDefault:"info"`
	// Development switches zap to its console encoder.
	Development bool `env:"DEVELOPMENT" envDefault:"false"`
}

// ControllerConfig tunes the admission controller.
type ControllerConfig struct {
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"300ms"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`
}

// StoreConfig selects and configures the quota store.
type StoreConfig struct {
	Backend         string        `env:"BACKEND" envDefault:"memory"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`

	RedisAddrs     []string `env:"REDIS_ADDRS" envSeparator:"," envDefault:"localhost:6379"`
	RedisPassword  string   `env:"REDIS_PASSWORD"`
	RedisDB        int      `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string   `env:"REDIS_KEY_PREFIX" envDefault:"admission:quota:"`

	MongoURL        string `env:"MONGO_URL" envDefault:"mongodb://localhost:27017"`
	MongoDatabase   string `env:"MONGO_DATABASE" envDefault:"admission"`
	MongoCollection string `env:"MONGO_COLLECTION" envDefault:"quota_records"`

	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"25"`
	PostgresMigrate  bool   `env:"POSTGRES_MIGRATE" envDefault:"true"`
}

// MonitorConfig configures the abuse monitor and its scheduler.
type MonitorConfig struct {
	Enabled             bool          `env:"ENABLED" envDefault:"true"`
	Interval            time.Duration `env:"INTERVAL" envDefault:"5m"`
	Lookback            time.Duration `env:"LOOKBACK" envDefault:"24h"`
	ScanTimeout         time.Duration `env:"SCAN_TIMEOUT" envDefault:"10s"`
	TopN                int           `env:"TOP_N" envDefault:"10"`
	TotalViolations     int64         `env:"TOTAL_VIOLATIONS" envDefault:"100"`
	PrincipalViolations int64         `env:"PRINCIPAL_VIOLATIONS" envDefault:"50"`
	EndpointViolations  int64         `env:"ENDPOINT_VIOLATIONS" envDefault:"200"`
}

// AlertConfig configures the optional alert channels. The log sink is always on.
type AlertConfig struct {
	WebhookURL    string `env:"WEBHOOK_URL"`
	WebhookSource string `env:"WEBHOOK_SOURCE" envDefault:"admissiond"`

	PostmarkServerToken  string   `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string   `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkFrom         string   `env:"POSTMARK_FROM"`
	PostmarkTo           []string `env:"POSTMARK_TO" envSeparator:","`
	PostmarkTag          string   `env:"POSTMARK_TAG" envDefault:"abuse-alert"`
}

// Load reads the given .env files (".env" when none is named) and parses the
// environment. A missing default .env file is not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", strings.Join(files, ", "), err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that panics on error. Intended for startup.
func MustLoad(files ...string) Config {
	cfg, err := Load(files...)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks value ranges and the settings required by the selected backends.
func (c Config) Validate() error {
	var errs []error

	if !slices.Contains([]string{LogStd, LogSlog, LogZap, LogZerolog, LogLogrus}, c.Log.Backend) {
		errs = append(errs, fmt.Errorf("unknown log backend %q", c.Log.Backend))
	}
	if c.Controller.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store timeout must be positive"))
	}
	if c.Controller.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Store.RedisAddrs) == 0 {
			errs = append(errs, errors.New("redis backend needs ADMISSION_STORE_REDIS_ADDRS"))
		}
	case BackendMongo:
		if c.Store.MongoURL == "" || c.Store.MongoDatabase == "" || c.Store.MongoCollection == "" {
			errs = append(errs, errors.New("mongo backend needs url, database and collection"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres backend needs ADMISSION_STORE_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if c.Monitor.Enabled {
		if c.Monitor.Interval <= 0 || c.Monitor.Lookback <= 0 {
			errs = append(errs, errors.New("monitor interval and lookback must be positive"))
		}
		if c.Monitor.TopN < 1 {
			errs = append(errs, errors.New("monitor top N must be at least 1"))
		}
	}

	if c.Alerts.PostmarkServerToken != "" && (c.Alerts.PostmarkFrom == "" || len(c.Alerts.PostmarkTo) == 0) {
		errs = append(errs, errors.New("postmark alerts need a sender and at least one recipient"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Thresholds returns the monitor alert thresholds.
func (m MonitorConfig) Thresholds() monitor.Thresholds {
	return monitor.Thresholds{
		TotalViolations:     m.TotalViolations,
		PrincipalViolations: m.PrincipalViolations,
		EndpointViolations:  m.EndpointViolations,
	}
}

// Postgres returns the Postgres store settings.
func (s StoreConfig) Postgres() store.PostgresConfig {
	return store.PostgresConfig{
		DSN:             s.PostgresDSN,
		MaxConns:        s.PostgresMaxConns,
		CleanupInterval: s.CleanupInterval,
		MigrateOnStart:  s.PostgresMigrate,
	}
}

// PostmarkEnabled reports whether e-mail alerts are configured.
func (a AlertConfig) PostmarkEnabled() bool {
	return a.PostmarkServerToken != ""
}

// Postmark returns the Postmark sink settings.
func (a AlertConfig) Postmark() sink.PostmarkConfig {
	return sink.PostmarkConfig{
		ServerToken:  a.PostmarkServerToken,
		AccountToken: a.PostmarkAccountToken,
		From:         a.PostmarkFrom,
		To:           a.PostmarkTo,
		Tag:          a.PostmarkTag,
	}
}
