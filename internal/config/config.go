// Package config provides centralized configuration management for the sync engine.
//
// Settings come from two places: process-level settings and secrets are read
// from environment variables (optionally seeded from a .env file), and the
// per-table sync contract is read from a runtime file (config.yml or
// config.toml). Both are validated on startup to fail fast on misconfiguration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Config holds all environment-driven configuration.
type Config struct {
	Database DatabaseConfig
	Logging  LoggingConfig
	Server   ServerConfig
	Security SecurityConfig
}

// DatabaseConfig holds database connection settings. The libpq PG*
// variables are accepted as fallbacks for the credentials.
type DatabaseConfig struct {
	Host     string `env:"SUPABASE_DB_HOST" envAlt:"PGHOST" required:"true"`
	Port     int    `env:"SUPABASE_DB_PORT" envAlt:"PGPORT" required:"true"`
	Name     string `env:"SUPABASE_DB_NAME" envAlt:"PGDATABASE" required:"true"`
	User     string `env:"SUPABASE_DB_USER" envAlt:"PGUSER" required:"true"`
	Password string `env:"SUPABASE_DB_PASSWORD" envAlt:"PGPASSWORD" required:"true"`

	// SSLMode is passed through to libpq-style connection strings (default: prefer)
	SSLMode string `env:"DB_SSLMODE" default:"prefer"`

	// MaxConns is the maximum number of connections in the pool (default: 4).
	// Runs are sequential; the extra connections serve the advisory lock
	// session and the status API.
	MaxConns int `env:"DB_MAX_CONNS" default:"4"`

	// MinConns is the minimum number of connections to keep open (default: 0)
	MinConns int `env:"DB_MIN_CONNS" default:"0"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level overrides app.log_level from the runtime file when set.
	Level string `env:"LOG_LEVEL"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File overrides the rotating log file path (default: <config dir>/logs/app.log)
	File string `env:"LOG_FILE"`

	// MaxSizeMB is the size at which the log file is rotated (default: 20)
	MaxSizeMB int `env:"LOG_MAX_SIZE_MB" default:"20"`

	// MaxBackups is the number of rotated files kept (default: 10)
	MaxBackups int `env:"LOG_MAX_BACKUPS" default:"10"`

	// MaxAgeDays is how long rotated files are kept (default: 30)
	MaxAgeDays int `env:"LOG_MAX_AGE_DAYS" default:"30"`
}

// ServerConfig holds settings for the status HTTP server (serve command).
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"127.0.0.1"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// RateLimit is the number of requests per minute per client IP; 0 disables it (default: 100)
	RateLimit int `env:"RATE_LIMIT_PER_MINUTE" default:"100"`

	// TrustedProxies lists CIDRs whose X-Real-IP / X-Forwarded-For headers are honoured
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// SecurityConfig holds security-related settings for the status API.
type SecurityConfig struct {
	// RequireAPIKey protects the sync trigger endpoint (default: true)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"true"`

	// APIKeys is a comma-separated list of accepted X-API-Key values
	APIKeys []string `env:"API_KEYS"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL builds a PostgreSQL connection URL from the discrete credentials.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	if c.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", c.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// String returns a safe string representation of the config for logging.
// The database password is masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Database: {Host: %q, Port: %d, Name: %q, User: %q, Password: [MASKED], MaxConns: %d}, Logging: {Level: %q, Format: %q}, Server: {Addr: %q}}",
		c.Database.Host, c.Database.Port, c.Database.Name, c.Database.User, c.Database.MaxConns,
		c.Logging.Level, c.Logging.Format, c.Server.Addr(),
	)
}
