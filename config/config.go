package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default configuration values.
const (
	defaultPort           = 8080
	defaultStoreDriver    = "postgres"
	defaultDBHost         = "localhost"
	defaultDBPort         = 5432
	defaultDBName         = "pageinsight"
	defaultDBUser         = "postgres"
	defaultDBSSLMode      = "disable"
	defaultLogLevel       = "info"
	defaultFEOrigin       = "http://localhost:3000"
	defaultIngestTimeout  = 15 * time.Second
	defaultQueryTimeout   = 10 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
	defaultCHBufferSize   = 1000
	defaultCHFlushSize    = 500
	defaultCHFlushEvery   = time.Second
	defaultCHNativePort   = 9000
)

// maxIPHashSaltLen is the largest BLAKE2b key.
const maxIPHashSaltLen = 64

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the application configuration.
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Ingest     IngestConfig
	Auth       AuthConfig
	Logging    LoggingConfig
}

// ServiceConfig holds HTTP service settings.
type ServiceConfig struct {
	Port        int
	ReleaseMode bool
	FEOrigin    string
}

// DatabaseConfig holds PostgreSQL settings. URL wins over the discrete fields.
type DatabaseConfig struct {
	Driver   string
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// MigrateURL returns the postgres:// URL form used by golang-migrate.
func (d *DatabaseConfig) MigrateURL() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// ClickHouseConfig holds the analytics mirror settings. The mirror is off
// when Host is empty.
type ClickHouseConfig struct {
	Host       string
	NativePort int
	Database   string
	Username   string
	Password   string
	BufferSize int
	FlushSize  int
	FlushEvery time.Duration
}

// Enabled reports whether the ClickHouse mirror is configured.
func (c *ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// IngestConfig holds ingestion tuning.
type IngestConfig struct {
	Timeout        time.Duration
	QueryTimeout   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	IPHashSalt     string
	FilterBots     bool
	RateLimitRPS   int
	RateLimitBurst int
}

// AuthConfig guards the dashboard read API.
type AuthConfig struct {
	APIKey    string
	JWTSecret string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a getenv function and applies defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := envReader{getenv: getenv}

	cfg := &Config{
		Service: ServiceConfig{
			Port:        r.int("PORT"),
			ReleaseMode: getenv("GIN_MODE") == "release",
			FEOrigin:    getenv("FE_ORIGIN"),
		},
		Database: DatabaseConfig{
			Driver:   getenv("STORE_DRIVER"),
			URL:      getenv("DATABASE_URL"),
			Host:     getenv("POSTGRES_HOST"),
			Port:     r.int("POSTGRES_PORT"),
			User:     getenv("POSTGRES_USER"),
			Password: getenv("POSTGRES_PASSWORD"),
			Name:     getenv("POSTGRES_DB"),
			SSLMode:  getenv("POSTGRES_SSLMODE"),
		},
		ClickHouse: ClickHouseConfig{
			Host:       getenv("CLICKHOUSE_HOST"),
			NativePort: r.int("CLICKHOUSE_NATIVE_PORT"),
			Database:   getenv("CLICKHOUSE_DB_NAME"),
			Username:   getenv("CLICKHOUSE_USERNAME"),
			Password:   getenv("CLICKHOUSE_PASSWORD"),
			BufferSize: r.int("CLICKHOUSE_BUFFER_SIZE"),
			FlushSize:  r.int("CLICKHOUSE_FLUSH_SIZE"),
			FlushEvery: r.duration("CLICKHOUSE_FLUSH_INTERVAL"),
		},
		Ingest: IngestConfig{
			Timeout:        r.duration("INGEST_TIMEOUT"),
			QueryTimeout:   r.duration("QUERY_TIMEOUT"),
			MaxRetries:     r.int("INGEST_MAX_RETRIES"),
			RetryBaseDelay: r.duration("INGEST_RETRY_BASE_DELAY"),
			IPHashSalt:     getenv("IP_HASH_SALT"),
			FilterBots:     r.boolDefault("FILTER_BOTS", true),
			RateLimitRPS:   r.int("RATE_LIMIT_RPS"),
			RateLimitBurst: r.int("RATE_LIMIT_BURST"),
		},
		Auth: AuthConfig{
			APIKey:    getenv("DASHBOARD_API_KEY"),
			JWTSecret: getenv("JWT_SECRET_KEY"),
		},
		Logging: LoggingConfig{
			Level: getenv("LOG_LEVEL"),
		},
	}
	if r.err != nil {
		return nil, r.err
	}

	setDefaults(cfg)
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Service.Port == 0 {
		cfg.Service.Port = defaultPort
	}
	if cfg.Service.FEOrigin == "" {
		cfg.Service.FEOrigin = defaultFEOrigin
	}

	db := &cfg.Database
	if db.Driver == "" {
		db.Driver = defaultStoreDriver
	}
	if db.Host == "" {
		db.Host = defaultDBHost
	}
	if db.Port == 0 {
		db.Port = defaultDBPort
	}
	if db.User == "" {
		db.User = defaultDBUser
	}
	if db.Name == "" {
		db.Name = defaultDBName
	}
	if db.SSLMode == "" {
		db.SSLMode = defaultDBSSLMode
	}

	ch := &cfg.ClickHouse
	if ch.NativePort == 0 {
		ch.NativePort = defaultCHNativePort
	}
	if ch.BufferSize == 0 {
		ch.BufferSize = defaultCHBufferSize
	}
	if ch.FlushSize == 0 {
		ch.FlushSize = defaultCHFlushSize
	}
	if ch.FlushEvery == 0 {
		ch.FlushEvery = defaultCHFlushEvery
	}

	in := &cfg.Ingest
	if in.Timeout == 0 {
		in.Timeout = defaultIngestTimeout
	}
	if in.QueryTimeout == 0 {
		in.QueryTimeout = defaultQueryTimeout
	}
	if in.MaxRetries == 0 {
		in.MaxRetries = defaultMaxRetries
	}
	if in.RetryBaseDelay == 0 {
		in.RetryBaseDelay = defaultRetryBaseDelay
	}
	if in.RateLimitRPS == 0 {
		in.RateLimitRPS = defaultRateLimitRPS
	}
	if in.RateLimitBurst == 0 {
		in.RateLimitBurst = defaultRateLimitBurst
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
}

// ValidationError reports one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the configuration for settings the service cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		errs = append(errs, &ValidationError{Field: "PORT", Message: "must be between 1 and 65535"})
	}
	if c.Database.Driver != DriverPostgres && c.Database.Driver != DriverMemory {
		errs = append(errs, &ValidationError{Field: "STORE_DRIVER", Message: "must be postgres or memory"})
	}
	switch {
	case c.Ingest.IPHashSalt == "":
		errs = append(errs, &ValidationError{Field: "IP_HASH_SALT", Message: "is required"})
	case len(c.Ingest.IPHashSalt) > maxIPHashSaltLen:
		errs = append(errs, &ValidationError{Field: "IP_HASH_SALT", Message: "must be at most 64 bytes"})
	}
	if c.Auth.APIKey == "" && c.Auth.JWTSecret == "" {
		errs = append(errs, &ValidationError{Field: "DASHBOARD_API_KEY", Message: "or JWT_SECRET_KEY is required"})
	}
	if c.ClickHouse.Enabled() && c.ClickHouse.Database == "" {
		errs = append(errs, &ValidationError{Field: "CLICKHOUSE_DB_NAME", Message: "is required when CLICKHOUSE_HOST is set"})
	}
	if c.Ingest.MaxRetries < 0 {
		errs = append(errs, &ValidationError{Field: "INGEST_MAX_RETRIES", Message: "must not be negative"})
	}
	return errors.Join(errs...)
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (r *envReader) int(key string) int {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, err)
		return 0
	}
	return n
}

func (r *envReader) duration(key string) time.Duration {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, err)
		return 0
	}
	return d
}

func (r *envReader) boolDefault(key string, def bool) bool {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

func (r *envReader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
