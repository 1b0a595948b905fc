package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	switch DatabaseScheme(c.Database.URL) {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("DATABASE_URL scheme must be one of: memory, sqlite, postgres (got %q)", c.Database.URL))
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.PersistInterval < 0 {
		errs = append(errs, "DB_PERSIST_INTERVAL must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadHeaderTimeout < 0 {
		errs = append(errs, "SERVER_READ_HEADER_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Upload validation
	if c.Upload.MaxFileSize <= 0 {
		errs = append(errs, "UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Upload.MaxConcurrent <= 0 {
		errs = append(errs, "UPLOAD_MAX_CONCURRENT must be positive")
	}
	if c.Upload.MaxWaitTime <= 0 {
		errs = append(errs, "UPLOAD_MAX_WAIT_TIME must be positive")
	}
	if c.Upload.IdleTimeout <= 0 {
		errs = append(errs, "UPLOAD_IDLE_TIMEOUT must be positive")
	}
	if c.Upload.ParseTimeout <= 0 {
		errs = append(errs, "UPLOAD_PARSE_TIMEOUT must be positive")
	}
	if c.Upload.ChunkSize <= 0 {
		errs = append(errs, "CHUNK_SIZE must be positive")
	}
	if c.Upload.ProgressRows <= 0 {
		errs = append(errs, "UPLOAD_PROGRESS_ROWS must be positive")
	}
	if c.Upload.ProgressBytes <= 0 {
		errs = append(errs, "UPLOAD_PROGRESS_BYTES must be positive")
	}
	if c.Upload.MaxInMemoryRows < 0 {
		errs = append(errs, "UPLOAD_MAX_IN_MEMORY_ROWS must be non-negative")
	}
	if c.Upload.PageSize <= 0 || c.Upload.PageSize > MaxPageSize {
		errs = append(errs, fmt.Sprintf("PAGE_SIZE (%d) must be 1-%d", c.Upload.PageSize, MaxPageSize))
	}
	if c.Upload.TombstoneRetention < 0 {
		errs = append(errs, "UPLOAD_TOMBSTONE_RETENTION must be non-negative")
	}
	validUTF8 := map[string]bool{"reject": true, "replace": true}
	if !validUTF8[strings.ToLower(c.Upload.InvalidUTF8)] {
		errs = append(errs, fmt.Sprintf("UPLOAD_INVALID_UTF8 (%q) must be one of: reject, replace", c.Upload.InvalidUTF8))
	}

	// Events validation
	if c.Events.SubscriberBuffer <= 0 {
		errs = append(errs, "EVENTS_SUBSCRIBER_BUFFER must be positive")
	}
	if c.Events.LogSize <= 0 {
		errs = append(errs, "EVENTS_LOG_SIZE must be positive")
	}
	if c.Events.Heartbeat <= 0 {
		errs = append(errs, "EVENTS_HEARTBEAT must be positive")
	}
	validPolicies := map[string]bool{"coalesce": true, "disconnect": true}
	if !validPolicies[strings.ToLower(c.Events.Backpressure)] {
		errs = append(errs, fmt.Sprintf("EVENTS_BACKPRESSURE (%q) must be one of: coalesce, disconnect", c.Events.Backpressure))
	}

	// Storage validation
	switch strings.ToLower(c.Storage.Provider) {
	case "local":
		if c.Storage.Dir == "" {
			errs = append(errs, "STORAGE_DIR is required for the local provider")
		}
	case "minio":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			errs = append(errs, "MINIO_ENDPOINT and MINIO_BUCKET are required for the minio provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_PROVIDER (%q) must be one of: local, minio", c.Storage.Provider))
	}

	// Security validation
	if len(c.Security.JWTSecret) < 16 {
		errs = append(errs, "JWT_SECRET must be at least 16 characters")
	}
	if c.Security.TokenTTL <= 0 {
		errs = append(errs, "JWT_TTL must be positive")
	}
	if c.Security.BcryptCost < 4 || c.Security.BcryptCost > 31 {
		errs = append(errs, fmt.Sprintf("BCRYPT_COST (%d) must be 4-31", c.Security.BcryptCost))
	}

	// Rate limit validation
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}
	if c.Rate.Enabled && c.Rate.UploadLimit <= 0 {
		errs = append(errs, "RATE_LIMIT_UPLOAD must be positive when rate limiting is enabled")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// MaxPageSize is the largest page a content request may ask for.
const MaxPageSize = 1000

// DatabaseScheme returns the persistence backend named by a database URL.
// Bare file paths ending in .db are treated as SQLite.
func DatabaseScheme(raw string) string {
	switch {
	case raw == "" || raw == "memory" || strings.HasPrefix(raw, "memory:"):
		return "memory"
	case strings.HasPrefix(raw, "sqlite:"), strings.HasSuffix(raw, ".db"):
		return "sqlite"
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres"
	}
	return ""
}

// MaskURL hides credentials embedded in a connection URL.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// Redacted returns a copy safe to print, with secrets removed.
func (c *Config) Redacted() Config {
	out := *c
	out.Database.URL = MaskURL(c.Database.URL)
	out.Security.JWTSecret = ""
	out.Storage.AccessKey = ""
	out.Storage.SecretKey = ""
	return out
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {Backend: %s, URL: [MASKED], MaxConns: %d}, ",
		DatabaseScheme(c.Database.URL), c.Database.MaxConns))
	b.WriteString(fmt.Sprintf("Upload: {MaxFileSize: %d, MaxConcurrent: %d, PageSize: %d}, ",
		c.Upload.MaxFileSize, c.Upload.MaxConcurrent, c.Upload.PageSize))
	b.WriteString(fmt.Sprintf("Events: {Buffer: %d, Backpressure: %q}, ",
		c.Events.SubscriberBuffer, c.Events.Backpressure))
	b.WriteString(fmt.Sprintf("Storage: {Provider: %q}, ", c.Storage.Provider))
	b.WriteString(fmt.Sprintf("Rate: {Enabled: %v, RequestsPerMinute: %d}, ",
		c.Rate.Enabled, c.Rate.RequestsPerMinute))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
