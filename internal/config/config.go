// Package config provides centralized configuration management for sheetsync.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
//
// Worksheet mappings and target kinds live in a separate YAML file, see
// LoadSyncFile.
package config

import (
	"strconv"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Sync      SyncConfig
	Sheets    SheetsConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Audit     AuditConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including waiting for
	// running cycles (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for read requests (default: 60s).
	// Cycle triggers are not subject to it.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// Only used when STORE_BACKEND=postgres.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// StoreConfig selects where cursors, records and audit entries live.
type StoreConfig struct {
	// Backend is one of memory, postgres, sqlite (default: sqlite)
	Backend string `env:"STORE_BACKEND" default:"sqlite"`

	// SQLitePath is the database file for the sqlite backend (default: sheetsync.db)
	SQLitePath string `env:"SQLITE_PATH" default:"sheetsync.db"`
}

// SyncConfig holds cycle and scheduling settings.
type SyncConfig struct {
	// MappingsFile is the YAML file declaring kinds and mappings (required)
	MappingsFile string `env:"SYNC_MAPPINGS_FILE" envAlt:"MAPPINGS_FILE" default:"mappings.yaml"`

	FetchTimeout  time.Duration `env:"SYNC_FETCH_TIMEOUT" default:"60s"`
	CommitTimeout time.Duration `env:"SYNC_COMMIT_TIMEOUT" default:"2m"`
	RetryInterval time.Duration `env:"SYNC_RETRY_INTERVAL" default:"2s"`

	// MaxConcurrent caps cycles running at once across mappings (default: 4)
	MaxConcurrent int `env:"SYNC_MAX_CONCURRENT" default:"4"`

	// MaxWaitTime is how long a due cycle waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"SYNC_MAX_WAIT_TIME" default:"30s"`

	// DefaultInterval applies to mappings without a frequency (default: 1h)
	DefaultInterval time.Duration `env:"SYNC_DEFAULT_INTERVAL" default:"1h"`

	// Watch enables file-change triggers for workbook sources (default: true)
	Watch         bool          `env:"SYNC_WATCH" default:"true"`
	WatchDebounce time.Duration `env:"SYNC_WATCH_DEBOUNCE" default:"2s"`
}

// SheetsConfig holds Google Sheets API settings.
type SheetsConfig struct {
	// CredentialsFile is a service account JSON key.
	CredentialsFile string `env:"SHEETS_CREDENTIALS_FILE" envAlt:"GOOGLE_APPLICATION_CREDENTIALS"`

	// CredentialsDir holds per-spreadsheet keys named <spreadsheet id>.json.
	// CredentialsFile is the fallback for spreadsheets without one.
	CredentialsDir string `env:"SHEETS_CREDENTIALS_DIR"`

	// Endpoint overrides the API base URL (tests and proxies)
	Endpoint string `env:"SHEETS_ENDPOINT"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key authentication on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File sends logs to a rotated file instead of stdout when set
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" default:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" default:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" default:"30"`
}

// AuditConfig holds audit retention settings.
type AuditConfig struct {
	// RetentionDays is how long audit entries are kept (default: 90)
	RetentionDays int `env:"AUDIT_RETENTION_DAYS" default:"90"`

	// PurgeInterval is how often expired entries are deleted (default: 24h)
	PurgeInterval time.Duration `env:"AUDIT_PURGE_INTERVAL" default:"24h"`
}

// TelemetryConfig holds OpenTelemetry metric settings.
type TelemetryConfig struct {
	Enabled bool `env:"TELEMETRY_ENABLED" default:"false"`

	// Interval is the export period of the stdout exporter (default: 1m)
	Interval time.Duration `env:"TELEMETRY_INTERVAL" default:"1m"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Retention returns the audit retention window.
func (c *AuditConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
