package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // club time zones must resolve on images without a zone database

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Storage   StorageConfig   `toml:"storage"`   // Data persistence settings
	Identity  IdentityConfig  `toml:"identity"`  // Device id normalization and fallback naming
	Registry  RegistryConfig  `toml:"registry"`  // External device database snapshot
	Tracking  TrackingConfig  `toml:"tracking"`  // Flight correlation settings
	Broadcast BroadcastConfig `toml:"broadcast"` // Live WebSocket broadcast settings
	Kafka     KafkaConfig     `toml:"kafka"`     // Optional telemetry event topic
	Metrics   MetricsConfig   `toml:"metrics"`   // Prometheus exposition
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the server
	Host             string `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	WebhookToken     string `toml:"webhook_token"`         // Shared secret expected in X-Webhook-Token for inbound telemetry (empty = disabled)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path of the SQLite database file
}

// IdentityConfig controls how raw tracker ids are turned into registrations
type IdentityConfig struct {
	PrefixMarker   string `toml:"prefix_marker"`   // Case-insensitive marker stripped from device ids (e.g. "FLARM" in "flarm:DD1234")
	FallbackPrefix string `toml:"fallback_prefix"` // Prefix of synthesized registrations for unknown devices
	DefaultClubID  string `toml:"default_club_id"` // Club used for registry lookups when an event carries none (empty = all clubs)
}

// RegistryConfig contains settings for the external device database snapshot
type RegistryConfig struct {
	DDBPath             string `toml:"ddb_path"`               // Local path of the device database CSV
	DDBURL              string `toml:"ddb_url"`                // Download URL (empty = never download, use the local file as-is)
	MaxAgeHours         int    `toml:"max_age_hours"`          // Re-download when the local file is older than this
	CheckIntervalMinute int    `toml:"check_interval_minutes"` // How often the file age is checked
}

// TrackingConfig contains flight correlation settings
type TrackingConfig struct {
	StatisticsTimeoutSecs         int    `toml:"statistics_timeout_seconds"`       // Upper bound for a detached statistics computation
	DuplicateLandingWindowSeconds int    `toml:"duplicate_landing_window_seconds"` // Landings for the same device inside this window are duplicates (0 = disabled)
	ClubTimezone                  string `toml:"club_timezone"`                    // IANA zone of the club day used for private assignments (default "UTC")
}

// ClubLocation returns the club time zone, UTC when unset or unknown
func (t TrackingConfig) ClubLocation() *time.Location {
	if t.ClubTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.ClubTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BroadcastConfig contains WebSocket broadcast settings
type BroadcastConfig struct {
	AuthPassword    string   `toml:"auth_password"`        // Password expected in the "auth" message
	SendBufferSize  int      `toml:"send_buffer_size"`     // Per-connection outbound queue length
	AllowedOrigins  []string `toml:"allowed_origins"`      // Allowed Origin headers (empty or ["*"] = all)
	AuthTimeoutSecs int      `toml:"auth_timeout_seconds"` // Connections that have not authenticated within this are closed
}

// KafkaConfig contains the optional telemetry event consumer settings
type KafkaConfig struct {
	Enabled     bool     `toml:"enabled"`      // Consume telemetry events from Kafka
	Brokers     []string `toml:"brokers"`      // Broker addresses
	Topic       string   `toml:"topic"`        // Topic carrying JSON telemetry events
	GroupID     string   `toml:"group_id"`     // Consumer group
	MaxAttempts int      `toml:"max_attempts"` // Attempts for an event whose correlation failed with a retryable error
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"` // Expose Prometheus metrics
	Path    string `toml:"path"`    // HTTP path of the metrics endpoint
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// Parse decodes configuration from TOML text
func Parse(data string) (*Config, error) {
	var config Config
	if _, err := toml.Decode(data, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.ReadTimeoutSecs < 0 || c.Server.WriteTimeoutSecs < 0 || c.Server.IdleTimeoutSecs < 0 {
		return fmt.Errorf("server timeouts must be >= 0")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/flightlog.db"
	}

	if c.Identity.PrefixMarker == "" {
		c.Identity.PrefixMarker = "FLARM"
	}
	if c.Identity.FallbackPrefix == "" {
		c.Identity.FallbackPrefix = "FLARM"
	}

	if c.Registry.MaxAgeHours <= 0 {
		c.Registry.MaxAgeHours = 24
	}
	if c.Registry.CheckIntervalMinute <= 0 {
		c.Registry.CheckIntervalMinute = 60
	}
	if c.Registry.DDBURL != "" && c.Registry.DDBPath == "" {
		return fmt.Errorf("registry.ddb_path is required when registry.ddb_url is set")
	}

	if c.Tracking.StatisticsTimeoutSecs <= 0 {
		c.Tracking.StatisticsTimeoutSecs = 30
	}
	if c.Tracking.DuplicateLandingWindowSeconds < 0 {
		return fmt.Errorf("invalid duplicate_landing_window_seconds: %d (must be >= 0)", c.Tracking.DuplicateLandingWindowSeconds)
	}
	if c.Tracking.ClubTimezone == "" {
		c.Tracking.ClubTimezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Tracking.ClubTimezone); err != nil {
		return fmt.Errorf("invalid club_timezone %q: %w", c.Tracking.ClubTimezone, err)
	}

	if c.Broadcast.AuthPassword == "" {
		return fmt.Errorf("broadcast.auth_password is required")
	}
	if c.Broadcast.SendBufferSize <= 0 {
		c.Broadcast.SendBufferSize = 256
	}
	if c.Broadcast.AuthTimeoutSecs < 0 {
		return fmt.Errorf("invalid auth_timeout_seconds: %d (must be >= 0)", c.Broadcast.AuthTimeoutSecs)
	}
	if c.Broadcast.AuthTimeoutSecs == 0 {
		c.Broadcast.AuthTimeoutSecs = 30
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
		if c.Kafka.GroupID == "" {
			c.Kafka.GroupID = "flightlog"
		}
		if c.Kafka.MaxAttempts <= 0 {
			c.Kafka.MaxAttempts = 5
		}
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/': %s", c.Metrics.Path)
	}

	return nil
}
