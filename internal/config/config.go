// Package config loads and validates price watch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PRICEWATCH_SERVER_PORT.
const EnvPrefix = "PRICEWATCH"

// Storage backends.
const (
	BackendLocal    = "local"
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Fetcher modes.
const (
	FetcherHeadless = "headless"
	FetcherStatic   = "static"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Storage   StorageConfig   `mapstructure:"storage"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig controls periodic check passes.
type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	IntervalMinutes int    `mapstructure:"interval_minutes"`
	Cron            string `mapstructure:"cron"`
	SkipInitialRun  bool   `mapstructure:"skip_initial_run"`
}

// EngineConfig tunes tracker evaluation.
type EngineConfig struct {
	FetchTimeoutSeconds int  `mapstructure:"fetch_timeout_seconds"`
	MaxNotifyAttempts   int  `mapstructure:"max_notify_attempts"`
	SingleFlight        bool `mapstructure:"single_flight"`
}

// FetcherConfig selects and tunes the page provider.
type FetcherConfig struct {
	Mode              string  `mapstructure:"mode"`
	UserAgent         string  `mapstructure:"user_agent"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	SettleDelayMillis int     `mapstructure:"settle_delay_ms"`
	MaxParallel       int     `mapstructure:"max_parallel"`
	NoSandbox         bool    `mapstructure:"no_sandbox"`
	RespectRobots     bool    `mapstructure:"respect_robots"`
	RateLimitRPS      float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int     `mapstructure:"rate_limit_burst"`
}

// ResolverConfig overrides the price selectors. Empty values keep the built-in list.
type ResolverConfig struct {
	Selectors []string `mapstructure:"selectors"`
	Fallback  string   `mapstructure:"fallback"`
}

// StorageConfig selects where tracker records live.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Local    LocalConfig    `mapstructure:"local"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// LocalConfig configures the directory of record files.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// GCSConfig configures record objects in a bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// SMTPConfig holds mail delivery settings.
type SMTPConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	From           string `mapstructure:"from"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	// DryRun records alerts in memory instead of sending them.
	DryRun bool `mapstructure:"dry_run"`
}

// PubSubConfig holds metadata for lifecycle event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// legacyEnv maps keys to the unprefixed variable names earlier deployments used. The
// prefixed name always wins.
var legacyEnv = map[string]string{
	"smtp.host":                  "SMTP_ADDRESS",
	"smtp.username":              "EMAIL_ADDRESS",
	"smtp.password":              "EMAIL_PASSWORD",
	"scheduler.interval_minutes": "CHECK_INTERVAL_MINUTES",
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process environment
// without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.SMTP.Username
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.request_timeout_seconds", 90)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval_minutes", 15)
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.skip_initial_run", false)
	v.SetDefault("engine.fetch_timeout_seconds", 60)
	v.SetDefault("engine.max_notify_attempts", 0)
	v.SetDefault("engine.single_flight", false)
	v.SetDefault("fetcher.mode", FetcherHeadless)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetcher.nav_timeout_seconds", 45)
	v.SetDefault("fetcher.settle_delay_ms", 3000)
	v.SetDefault("fetcher.max_parallel", 1)
	v.SetDefault("fetcher.no_sandbox", true)
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.rate_limit_rps", 0.5)
	v.SetDefault("fetcher.rate_limit_burst", 1)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.dir", "trackers")
	v.SetDefault("storage.gcs.prefix", "trackers/")
	v.SetDefault("storage.postgres.table", "trackers")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.sqlite.path", "trackers.db")
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.timeout_seconds", 30)
	v.SetDefault("smtp.dry_run", false)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic_name", "tracker-events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.Cron == "" && c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler.interval_minutes must be > 0")
	}
	if c.Engine.MaxNotifyAttempts < 0 {
		return fmt.Errorf("engine.max_notify_attempts must be >= 0")
	}
	if c.Engine.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("engine.fetch_timeout_seconds must be >= 0")
	}
	if err := c.Fetcher.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port must be in 1..65535")
	}
	if !c.SMTP.DryRun && c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

func (f FetcherConfig) validate() error {
	switch f.Mode {
	case FetcherHeadless:
		if f.MaxParallel <= 0 {
			return fmt.Errorf("fetcher.max_parallel must be > 0 in headless mode")
		}
	case FetcherStatic:
	default:
		return fmt.Errorf("fetcher.mode must be %q or %q, got %q", FetcherHeadless, FetcherStatic, f.Mode)
	}
	if f.SettleDelayMillis < 0 {
		return fmt.Errorf("fetcher.settle_delay_ms must be >= 0")
	}
	if f.RateLimitRPS < 0 {
		return fmt.Errorf("fetcher.rate_limit_rps must be >= 0")
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case BackendLocal:
		if s.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required")
		}
	case BackendMemory:
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required")
		}
	case BackendPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case BackendSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", s.Backend)
	}
	return nil
}

// Interval is the pass period.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// FetchTimeout bounds one page resolution.
func (e EngineConfig) FetchTimeout() time.Duration {
	return time.Duration(e.FetchTimeoutSeconds) * time.Second
}

// NavigationTimeout bounds one browser navigation.
func (f FetcherConfig) NavigationTimeout() time.Duration {
	return time.Duration(f.NavTimeoutSeconds) * time.Second
}

// SettleDelay is the wait after the page body is ready.
func (f FetcherConfig) SettleDelay() time.Duration {
	return time.Duration(f.SettleDelayMillis) * time.Millisecond
}

// RequestTimeout bounds one HTTP request.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// Timeout bounds one SMTP session.
func (s SMTPConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}
