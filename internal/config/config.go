// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Upload   UploadConfig    `yaml:"upload"`
	Events   EventsConfig    `yaml:"events"`
	Storage  StorageConfig   `yaml:"storage"`
	Security SecurityConfig  `yaml:"security"`
	Rate     RateLimitConfig `yaml:"rate"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0" yaml:"host"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080" yaml:"port"`

	// ReadHeaderTimeout bounds reading request headers (default: 10s).
	// Body reads are governed by UPLOAD_IDLE_TIMEOUT instead so long uploads are not cut off.
	ReadHeaderTimeout time.Duration `env:"SERVER_READ_HEADER_TIMEOUT" default:"10s" yaml:"read_header_timeout"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s" yaml:"write_timeout"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s" yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s" yaml:"shutdown_timeout"`

	// CORSOrigins is a comma-separated list of allowed origins (default: *)
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS" default:"*" yaml:"cors_origins"`
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	// URL selects the persistence backend by scheme:
	//   memory://             records live only in process memory
	//   sqlite://path/to.db   SQLite file via gorm
	//   postgres://...        PostgreSQL via pgx
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" default:"sqlite://data/fileparse.db" yaml:"url"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10" yaml:"max_conns"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1" yaml:"min_conns"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h" yaml:"max_conn_lifetime"`

	// PersistInterval debounces progress writes for in-flight files (default: 2s).
	// Status transitions are always written immediately.
	PersistInterval time.Duration `env:"DB_PERSIST_INTERVAL" default:"2s" yaml:"persist_interval"`
}

// UploadConfig holds upload receive and parse settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600" yaml:"max_file_size"`

	// MaxConcurrent is the maximum number of parallel file pipelines (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5" yaml:"max_concurrent"`

	// MaxWaitTime is how long to wait for a pipeline slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s" yaml:"max_wait_time"`

	// IdleTimeout fails an upload that receives no bytes for this long (default: 30s)
	IdleTimeout time.Duration `env:"UPLOAD_IDLE_TIMEOUT" default:"30s" yaml:"idle_timeout"`

	// ParseTimeout is the maximum duration of the background parse (default: 10m)
	ParseTimeout time.Duration `env:"UPLOAD_PARSE_TIMEOUT" default:"10m" yaml:"parse_timeout"`

	// ChunkSize is the read buffer used while receiving (default: 1MB)
	ChunkSize int `env:"CHUNK_SIZE" default:"1048576" yaml:"chunk_size"`

	// ProgressRows is how many parsed rows may pass between progress events (default: 100)
	ProgressRows int `env:"UPLOAD_PROGRESS_ROWS" default:"100" yaml:"progress_rows"`

	// ProgressBytes is how many received bytes may pass between progress events
	// when the total size is unknown (default: 1MB)
	ProgressBytes int64 `env:"UPLOAD_PROGRESS_BYTES" default:"1048576" yaml:"progress_bytes"`

	// MaxInMemoryRows keeps parsed rows in memory up to this count;
	// larger results are served from storage (default: 10000)
	MaxInMemoryRows int `env:"UPLOAD_MAX_IN_MEMORY_ROWS" default:"10000" yaml:"max_in_memory_rows"`

	// InvalidUTF8 is the parser policy for invalid UTF-8: reject or replace (default: reject)
	InvalidUTF8 string `env:"UPLOAD_INVALID_UTF8" default:"reject" yaml:"invalid_utf8"`

	// PageSize is the default page size for content retrieval (default: 100)
	PageSize int `env:"PAGE_SIZE" default:"100" yaml:"page_size"`

	// TombstoneRetention is how long deleted records remain observable (default: 10m)
	TombstoneRetention time.Duration `env:"UPLOAD_TOMBSTONE_RETENTION" default:"10m" yaml:"tombstone_retention"`
}

// EventsConfig holds progress event bus settings.
type EventsConfig struct {
	// SubscriberBuffer is the per-subscriber event buffer (default: 16)
	SubscriberBuffer int `env:"EVENTS_SUBSCRIBER_BUFFER" default:"16" yaml:"subscriber_buffer"`

	// Backpressure is the slow subscriber policy: coalesce or disconnect (default: coalesce)
	Backpressure string `env:"EVENTS_BACKPRESSURE" default:"coalesce" yaml:"backpressure"`

	// LogSize is the number of events retained per file for replay (default: 256)
	LogSize int `env:"EVENTS_LOG_SIZE" default:"256" yaml:"log_size"`

	// Heartbeat is the SSE keep-alive comment interval (default: 15s)
	Heartbeat time.Duration `env:"EVENTS_HEARTBEAT" default:"15s" yaml:"heartbeat"`
}

// StorageConfig holds raw byte storage settings.
type StorageConfig struct {
	// Provider is local or minio (default: local)
	Provider string `env:"STORAGE_PROVIDER" default:"local" yaml:"provider"`

	// Dir is the data directory for the local provider (default: uploads)
	Dir string `env:"STORAGE_DIR" default:"uploads" yaml:"dir"`

	// MinIO / S3 compatible settings
	Endpoint  string `env:"MINIO_ENDPOINT" default:"localhost:9000" yaml:"endpoint"`
	Bucket    string `env:"MINIO_BUCKET" default:"fileparse" yaml:"bucket"`
	AccessKey string `env:"MINIO_ACCESS_KEY_ID" yaml:"-"`
	SecretKey string `env:"MINIO_SECRET_ACCESS_KEY" yaml:"-"`
	Region    string `env:"MINIO_REGION" default:"us-east-1" yaml:"region"`
	UseSSL    bool   `env:"MINIO_SSL" default:"false" yaml:"use_ssl"`
	Prefix    string `env:"MINIO_PREFIX" yaml:"prefix"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// JWTSecret signs bearer tokens (HS256)
	JWTSecret string `env:"JWT_SECRET" default:"change_me_please" yaml:"-"`

	// TokenTTL is the lifetime of issued tokens (default: 24h)
	TokenTTL time.Duration `env:"JWT_TTL" default:"24h" yaml:"token_ttl"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES" yaml:"trusted_proxies"`

	// BcryptCost is the password hashing cost (default: 10)
	BcryptCost int `env:"BCRYPT_COST" default:"10" yaml:"bcrypt_cost"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`

	// RequestsPerMinute is the default rate limit per client (default: 300)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"300" yaml:"requests_per_minute"`

	// UploadLimit is requests per minute for the upload endpoint (default: 30)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"30" yaml:"upload_limit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info" yaml:"level"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text" yaml:"format"`

	// File additionally writes JSON logs to a rotated file when set
	File string `env:"LOG_FILE" yaml:"file"`

	// MaxSizeMB is the rotation threshold for LOG_FILE (default: 128)
	MaxSizeMB int `env:"LOG_MAX_SIZE_MB" default:"128" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep (default: 5)
	MaxBackups int `env:"LOG_MAX_BACKUPS" default:"5" yaml:"max_backups"`

	// MaxAgeDays is how long rotated files are kept (default: 16)
	MaxAgeDays int `env:"LOG_MAX_AGE_DAYS" default:"16" yaml:"max_age_days"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
