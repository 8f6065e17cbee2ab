package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/source"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYSYNC"

type Config struct {
	Addr         string         `mapstructure:"addr"`
	BackendDSN   string         `mapstructure:"backend_dsn"`
	MappingsFile string         `mapstructure:"mappings_file"`
	TokenKey     string         `mapstructure:"token_key"`
	Auth         AuthConfig     `mapstructure:"auth"`
	Engine       EngineConfig   `mapstructure:"engine"`
	Source       SourceConfig   `mapstructure:"source"`
	Log          logging.Config `mapstructure:"log"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	StreamOrigins   []string      `mapstructure:"stream_origins"`
}

type EngineConfig struct {
	Workers              int           `mapstructure:"workers"`
	QueueCapacity        int           `mapstructure:"queue_capacity"`
	MaxInFlight          int           `mapstructure:"max_in_flight"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay"`
	PendingSweepInterval time.Duration `mapstructure:"pending_sweep_interval"`
	FailedSweepInterval  time.Duration `mapstructure:"failed_sweep_interval"`
	PurgeInterval        time.Duration `mapstructure:"purge_interval"`
	MinRetryDelay        time.Duration `mapstructure:"min_retry_delay"`
	MaxAgeProcessed      time.Duration `mapstructure:"max_age_processed"`
	MaxAgeExhausted      time.Duration `mapstructure:"max_age_exhausted"`
	MaxEventAge          time.Duration `mapstructure:"max_event_age"`
	StaleSyncAfter       time.Duration `mapstructure:"stale_sync_after"`
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace"`
	DedupWindow          time.Duration `mapstructure:"dedup_window"`
	DedupMaxEntries      int           `mapstructure:"dedup_max_entries"`
	DedupScanLimit       int           `mapstructure:"dedup_scan_limit"`
}

type SourceConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	PerPage    int           `mapstructure:"per_page"`
	MaxPages   int           `mapstructure:"max_pages"`
}

var defaults = map[string]any{
	"addr":          ":8080",
	"backend_dsn":   "memory://",
	"mappings_file": "",
	"token_key":     "",

	"auth.jwt_secret":        "",
	"auth.rate_limit_max":    0,
	"auth.rate_limit_window": time.Minute,
	"auth.max_body_bytes":    int64(1 << 20),
	"auth.stream_origins":    []string{},

	"engine.workers":                10,
	"engine.queue_capacity":         1000,
	"engine.max_in_flight":          50,
	"engine.max_retries":            5,
	"engine.retry_base_delay":       time.Second,
	"engine.retry_max_delay":        5 * time.Minute,
	"engine.pending_sweep_interval": 30 * time.Second,
	"engine.failed_sweep_interval":  5 * time.Minute,
	"engine.purge_interval":         time.Hour,
	"engine.min_retry_delay":        time.Minute,
	"engine.max_age_processed":      7 * 24 * time.Hour,
	"engine.max_age_exhausted":      24 * time.Hour,
	"engine.max_event_age":          24 * time.Hour,
	"engine.stale_sync_after":       30 * time.Minute,
	"engine.shutdown_grace":         10 * time.Second,
	"engine.dedup_window":           5 * time.Minute,
	"engine.dedup_max_entries":      10000,
	"engine.dedup_scan_limit":       50,

	"source.timeout":     30 * time.Second,
	"source.max_retries": 3,
	"source.per_page":    100,
	"source.max_pages":   50,

	"log.level":        "info",
	"log.format":       "text",
	"log.file":         "",
	"log.max_size_mb":  100,
	"log.max_backups":  5,
	"log.max_age_days": 28,
}

// New returns a viper instance with defaults and RELAYSYNC_* environment overrides; nested
// keys map to RELAYSYNC_ENGINE_WORKERS and so on.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) on top of defaults and environment.
func Load(path string) (Config, error) {
	return LoadInto(New(), path)
}

// LoadInto lets callers bind flags on v before reading.
func LoadInto(v *viper.Viper, path string) (Config, error) {
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr is required", relaysync.ErrInvalidInput)
	}
	if c.Engine.MaxInFlight > c.Engine.QueueCapacity && c.Engine.QueueCapacity > 0 {
		return fmt.Errorf("%w: engine.max_in_flight exceeds engine.queue_capacity", relaysync.ErrInvalidInput)
	}
	return nil
}

// ValidateServe adds the checks that only matter for a running server. There is no default
// signing secret, so an unset one would leave the admin API open to anyone.
func (c Config) ValidateServe() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required (RELAYSYNC_AUTH_JWT_SECRET)", relaysync.ErrInvalidInput)
	}
	return nil
}

func (c EngineConfig) Options() relaysync.Options {
	return relaysync.Options{
		Workers:              c.Workers,
		QueueCapacity:        c.QueueCapacity,
		MaxInFlight:          c.MaxInFlight,
		MaxRetries:           c.MaxRetries,
		RetryBaseDelay:       c.RetryBaseDelay,
		RetryMaxDelay:        c.RetryMaxDelay,
		PendingSweepInterval: c.PendingSweepInterval,
		FailedSweepInterval:  c.FailedSweepInterval,
		PurgeInterval:        c.PurgeInterval,
		MinRetryDelay:        c.MinRetryDelay,
		MaxAgeProcessed:      c.MaxAgeProcessed,
		MaxAgeExhausted:      c.MaxAgeExhausted,
		MaxEventAge:          c.MaxEventAge,
		StaleSyncAfter:       c.StaleSyncAfter,
		ShutdownGrace:        c.ShutdownGrace,
		DedupWindow:          c.DedupWindow,
		DedupMaxEntries:      c.DedupMaxEntries,
		DedupScanLimit:       c.DedupScanLimit,
	}
}

func (c SourceConfig) ClientOptions() source.ClientOptions {
	return source.ClientOptions{
		HTTPClient: &http.Client{Timeout: c.Timeout},
		MaxRetries: c.MaxRetries,
		PerPage:    c.PerPage,
		MaxPages:   c.MaxPages,
	}
}
