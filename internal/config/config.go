package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Backend selection: memory, sqlite or sheets
	DataBackend string
	// DataDir holds seed_flatmates.txt for the memory backend.
	DataDir string

	// Database
	SQLiteDBPath string

	// Google Sheets
	GoogleSpreadsheetID      string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	// OAuth user credentials, an alternative to a service account. The
	// token is produced by cmd/flatmates-sheets-auth.
	GoogleOAuthClientJSON string
	GoogleOAuthClientFile string
	GoogleOAuthTokenJSON  string
	GoogleOAuthTokenFile  string

	// AMQP. An empty URL disables event publishing.
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Mirror worker
	MirrorInterval time.Duration

	// Read views
	RecentExpenses      int
	RecentAnnouncements int
	CacheTTL            time.Duration

	// POST requests per minute per client
	RateLimitPerMinute int

	// Logging
	LogLevel  string
	LogFormat string
}

var (
	validBackends   = []string{"memory", "sheets", "sqlite"}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json", "tint"}
)

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),

		DataBackend: getEnv("DATA_BACKEND", "sqlite"),
		DataDir:     getEnv("DATA_DIR", "data"),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/flatmates.db"),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")),
		GoogleOAuthClientJSON:    getEnv("GOOGLE_OAUTH_CLIENT_JSON", ""),
		GoogleOAuthClientFile:    getEnv("GOOGLE_OAUTH_CLIENT_FILE", ""),
		GoogleOAuthTokenJSON:     getEnv("GOOGLE_OAUTH_TOKEN_JSON", ""),
		GoogleOAuthTokenFile:     getEnv("GOOGLE_OAUTH_TOKEN_FILE", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "flatmates"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "ledger_events"),

		MirrorInterval: getEnvDuration("MIRROR_INTERVAL", 5*time.Minute),

		RecentExpenses:      getEnvInt("RECENT_EXPENSES", 10),
		RecentAnnouncements: getEnvInt("RECENT_ANNOUNCEMENTS", 5),
		CacheTTL:            getEnvDuration("CACHE_TTL", 30*time.Second),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.DataBackend == "sheets" {
		errors = append(errors, c.googleErrors()...)
	}

	if c.AMQPURL != "" {
		errors = append(errors, c.amqpErrors()...)
	}

	if c.MirrorInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid mirror interval %v: must be at least 1 second", c.MirrorInterval))
	} else if c.MirrorInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid mirror interval %v: must be at most 24 hours", c.MirrorInterval))
	}

	if c.RecentExpenses < 1 {
		errors = append(errors, fmt.Sprintf("invalid recent expenses count %d: must be at least 1", c.RecentExpenses))
	}
	if c.RecentAnnouncements < 1 {
		errors = append(errors, fmt.Sprintf("invalid recent announcements count %d: must be at least 1", c.RecentAnnouncements))
	}
	if c.CacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must not be negative", c.CacheTTL))
	}
	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1", c.RateLimitPerMinute))
	}

	if !slices.Contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, validLogLevels))
	}
	if !slices.Contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be one of %v", c.LogFormat, validLogFormats))
	}

	return combine(errors)
}

// ValidateMirror checks the extra settings the mirror worker needs: a broker
// to consume from and a spreadsheet to write to.
func (c *Config) ValidateMirror() error {
	var errors []string
	if c.AMQPURL == "" {
		errors = append(errors, "AMQP_URL is required for the mirror worker")
	}
	if c.DataBackend != "sqlite" {
		errors = append(errors, fmt.Sprintf("the mirror worker reads the shared SQLite database, DATA_BACKEND must be sqlite (got %q)", c.DataBackend))
	}
	errors = append(errors, c.googleErrors()...)
	return combine(errors)
}

func (c *Config) googleErrors() []string {
	var errors []string
	if c.GoogleSpreadsheetID == "" {
		errors = append(errors, "GOOGLE_SPREADSHEET_ID is required when using Google Sheets")
	}
	if c.usesOAuth() {
		return append(errors, c.oauthErrors()...)
	}
	if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" {
		errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE must be provided for Google Sheets")
	}
	if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile != "" {
		errors = append(errors, missingFile("Google service account file", c.GoogleServiceAccountFile)...)
	}
	return errors
}

// usesOAuth reports whether OAuth user credentials were configured. They
// take precedence over a service account.
func (c *Config) usesOAuth() bool {
	return c.GoogleOAuthClientJSON != "" || c.GoogleOAuthClientFile != ""
}

func (c *Config) oauthErrors() []string {
	var errors []string
	if c.GoogleOAuthClientJSON == "" {
		errors = append(errors, missingFile("OAuth client file", c.GoogleOAuthClientFile)...)
	}
	switch {
	case c.GoogleOAuthTokenJSON != "":
	case c.GoogleOAuthTokenFile == "":
		errors = append(errors, "either GOOGLE_OAUTH_TOKEN_FILE or GOOGLE_OAUTH_TOKEN_JSON must be provided with OAuth client credentials")
	default:
		errors = append(errors, missingFile("OAuth token file", c.GoogleOAuthTokenFile)...)
	}
	return errors
}

func missingFile(what, path string) []string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []string{fmt.Sprintf("%s does not exist: %s", what, path)}
	}
	return nil
}

func (c *Config) amqpErrors() []string {
	var errors []string
	if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
	} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
		errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
	}
	if c.AMQPExchange == "" {
		errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
	}
	if c.AMQPQueue == "" {
		errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
	}
	return errors
}

func combine(errors []string) error {
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
