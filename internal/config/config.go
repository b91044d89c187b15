package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server   ServerConfig
	App      AppConfig
	Log      LogConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Bling    BlingConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"PORT" default:"5000"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"bling-sync"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Debug       bool   `envconfig:"APP_DEBUG" default:"false"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
	LoginKey    string `envconfig:"LOGIN_KEY" default:""` // admin endpoints key
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:""` // json or console; empty follows APP_ENV
}

// DatabaseConfig holds the persisted store settings.
type DatabaseConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"postgres"` // postgres, mysql or sqlite
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"25060"`
	Name     string `envconfig:"DB_NAME" default:"bling"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:""`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"require"`
	Schema   string `envconfig:"DB_SCHEMA" default:""` // postgres search_path
	Path     string `envconfig:"DB_PATH" default:"./data/bling.db"`

	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"3"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m"`
}

// CacheConfig holds Redis settings and the backends that may use it.
type CacheConfig struct {
	TokenCache   string `envconfig:"TOKEN_CACHE" default:"memory"`   // memory or redis
	QueueBackend string `envconfig:"QUEUE_BACKEND" default:"memory"` // memory or redis

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix     string `envconfig:"REDIS_KEY_PREFIX" default:"bling-sync"`
}

// BlingConfig holds upstream API settings.
type BlingConfig struct {
	APIBaseURL  string        `envconfig:"BLING_API_URL" default:"https://api.bling.com.br/Api/v3"`
	TokenURL    string        `envconfig:"BLING_TOKEN_URL" default:"https://www.bling.com.br/Api/v3/oauth/token"`
	HTTPTimeout time.Duration `envconfig:"BLING_HTTP_TIMEOUT" default:"30s"`

	MaxAttempts      int           `envconfig:"BLING_MAX_ATTEMPTS" default:"20"`
	RateLimitWait    time.Duration `envconfig:"BLING_RATE_LIMIT_WAIT" default:"5s"`
	RateLimitMaxWait time.Duration `envconfig:"BLING_RATE_LIMIT_MAX_WAIT" default:"60s"`
	ServerErrorWait  time.Duration `envconfig:"BLING_SERVER_ERROR_WAIT" default:"5s"`
	NetworkErrorWait time.Duration `envconfig:"BLING_NETWORK_ERROR_WAIT" default:"5s"`
	RequestsPerSec   float64       `envconfig:"BLING_REQUESTS_PER_SECOND" default:"3"`

	RefreshRetryWait   time.Duration `envconfig:"BLING_REFRESH_RETRY_WAIT" default:"60s"`
	RefreshMaxAttempts int           `envconfig:"BLING_REFRESH_MAX_ATTEMPTS" default:"3"`
	TokenSkew          time.Duration `envconfig:"BLING_TOKEN_SKEW" default:"60s"`
}

// WorkerConfig holds queue consumer settings.
type WorkerConfig struct {
	Count          int           `envconfig:"WORKER_COUNT" default:"1"`
	RetryPolicy    string        `envconfig:"WORKER_RETRY_POLICY" default:"inplace"` // inplace or requeue
	MaxAttempts    int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"50"`      // 0 retries forever
	BackoffInitial time.Duration `envconfig:"WORKER_BACKOFF_INITIAL" default:"2s"`
	BackoffMax     time.Duration `envconfig:"WORKER_BACKOFF_MAX" default:"5m"`
	RequeueDelay   time.Duration `envconfig:"WORKER_REQUEUE_DELAY" default:"1s"`
	ReplayInterval time.Duration `envconfig:"DEAD_LETTER_REPLAY_INTERVAL" default:"30m"`
}

// PostgresDSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) PostgresDSN() string {
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	if d.Schema != "" {
		q.Set("search_path", d.Schema)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + strconv.Itoa(d.Port),
		Path:     "/" + d.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// MySQLDSN returns the MySQL data source name.
func (d *DatabaseConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// NeedsRedis reports whether any backend is configured to use Redis.
func (c *CacheConfig) NeedsRedis() bool {
	return c.TokenCache == "redis" || c.QueueBackend == "redis"
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Validate rejects option values that have no matching implementation.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Type) {
	case "postgres", "postgresql", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", c.Database.Type)
	}
	switch c.Cache.TokenCache {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported TOKEN_CACHE %q", c.Cache.TokenCache)
	}
	switch c.Cache.QueueBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.Cache.QueueBackend)
	}
	switch c.Worker.RetryPolicy {
	case "inplace", "requeue":
	default:
		return fmt.Errorf("unsupported WORKER_RETRY_POLICY %q", c.Worker.RetryPolicy)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
