package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	App AppConfig `mapstructure:"app"`

	// HTTP
	Server ServerConfig `mapstructure:"server"`

	// Two-tier store
	Storage StorageConfig `mapstructure:"storage"`

	// PostgreSQL
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	Shortener ShortenerConfig `mapstructure:"shortener"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type AppConfig struct {
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	LogEncoding string `mapstructure:"log_encoding"`
}

// Development reports whether the service runs outside production.
func (a AppConfig) Development() bool {
	return a.Env != "production"
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	BodyLimit    int           `mapstructure:"body_limit"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type StorageConfig struct {
	Backend           string        `mapstructure:"backend"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	DurableTimeout    time.Duration `mapstructure:"durable_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	WarmOnStart       bool          `mapstructure:"warm_on_start"`
	AccessWorkers     int           `mapstructure:"access_workers"`
	AccessQueueSize   int           `mapstructure:"access_queue_size"`
}

type PostgresConfig struct {
	Host              string `mapstructure:"host"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	Database          string `mapstructure:"database"`
	Port              int    `mapstructure:"port"`
	SSLMode           string `mapstructure:"sslmode"`
	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
	MaxConnLifetime   string `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   string `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod string `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type NATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type ShortenerConfig struct {
	CodeLength            int  `mapstructure:"code_length"`
	MaxCodeLength         int  `mapstructure:"max_code_length"`
	MaxAttempts           int  `mapstructure:"max_attempts"`
	DefaultExpirationDays int  `mapstructure:"default_expiration_days"`
	BulkLimit             int  `mapstructure:"bulk_limit"`
	BulkConcurrency       int  `mapstructure:"bulk_concurrency"`
	ExpectedCodes         uint `mapstructure:"expected_codes"`
}

type SafetyConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	ProbeEnabled       bool          `mapstructure:"probe_enabled"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	MaxRedirects       int           `mapstructure:"max_redirects"`
	RejectInconclusive bool          `mapstructure:"reject_inconclusive"`
	AllowPrivateHosts  bool          `mapstructure:"allow_private_hosts"`
	Patterns           []string      `mapstructure:"patterns"`
	Domains            []string      `mapstructure:"domains"`
}

type PreviewConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Budget       time.Duration `mapstructure:"budget"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type AdminConfig struct {
	Password string `mapstructure:"password"`
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Allow environment variables to override YAML entries.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if d := c.Shortener.DefaultExpirationDays; d < 1 || d > 3650 {
		return fmt.Errorf("config: default_expiration_days must be between 1 and 3650, got %d", d)
	}
	if c.Shortener.CodeLength < 1 || c.Shortener.MaxCodeLength < c.Shortener.CodeLength {
		return fmt.Errorf("config: invalid code length bounds %d..%d",
			c.Shortener.CodeLength, c.Shortener.MaxCodeLength)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.body_limit", 1<<20)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.cache_ttl", time.Hour)
	v.SetDefault("storage.durable_timeout", 3*time.Second)
	v.SetDefault("storage.reconcile_interval", 30*time.Second)
	v.SetDefault("storage.warm_on_start", true)
	v.SetDefault("storage.access_workers", 4)
	v.SetDefault("storage.access_queue_size", 1024)

	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 2*time.Second)
	v.SetDefault("redis.write_timeout", 2*time.Second)

	v.SetDefault("prometheus.port", 9090)

	v.SetDefault("shortener.code_length", 8)
	v.SetDefault("shortener.max_code_length", 16)
	v.SetDefault("shortener.max_attempts", 5)
	v.SetDefault("shortener.default_expiration_days", 365)
	v.SetDefault("shortener.bulk_limit", 100)
	v.SetDefault("shortener.bulk_concurrency", 8)
	v.SetDefault("shortener.expected_codes", 1_000_000)

	v.SetDefault("safety.enabled", true)
	v.SetDefault("safety.probe_enabled", true)
	v.SetDefault("safety.probe_timeout", 5*time.Second)
	v.SetDefault("safety.max_redirects", 3)
	v.SetDefault("safety.reject_inconclusive", true)

	v.SetDefault("preview.enabled", true)
	v.SetDefault("preview.timeout", 10*time.Second)
	v.SetDefault("preview.budget", 2*time.Second)
	v.SetDefault("preview.max_redirects", 5)
	v.SetDefault("preview.max_body_bytes", 1<<20)
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("app.env", "APP_ENV")
	v.BindEnv("app.log_level", "LOG_LEVEL")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.base_url", "BASE_URL")
	v.BindEnv("storage.backend", "STORAGE_BACKEND")
	v.BindEnv("admin.password", "ADMIN_PASSWORD")

	// PostgreSQL
	v.BindEnv("postgres.host", "PG_HOST")
	v.BindEnv("postgres.user", "PG_USER")
	v.BindEnv("postgres.password", "PG_PASSWORD")
	v.BindEnv("postgres.database", "PG_DB")
	v.BindEnv("postgres.port", "PG_PORT")
	v.BindEnv("postgres.sslmode", "PG_SSLMODE")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.enabled", "NATS_ENABLED")
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")

	// Prometheus
	v.BindEnv("prometheus.enabled", "PROM_ENABLED")
	v.BindEnv("prometheus.port", "PROM_PORT")
}
