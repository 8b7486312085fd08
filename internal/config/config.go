// Package config provides centralized configuration management for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration parameters for the application.
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Sync     SyncConfig
	Auth     AuthConfig
	LogLevel string
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	// Path to the sqlite database file.
	Path string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// ListenAddr in host:port form.
	ListenAddr string
}

// SyncConfig holds synchronization tuning parameters.
type SyncConfig struct {
	// Fields restricts which issue fields are mirrored. Empty means all.
	Fields []string

	// OverlapWindow is subtracted from watermarks to tolerate clock skew
	// between this host and the remote instances.
	OverlapWindow time.Duration

	// DefaultIntervalMinutes applies to pairs created without an interval.
	DefaultIntervalMinutes int
}

// AuthConfig holds optional HTTP basic auth settings. When enabled, every
// route except /health requires credentials.
type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

// LoadConfig initializes and loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("database.path", "DATABASE_PATH")
	v.BindEnv("server.listen_addr", "LISTEN_ADDR")
	v.BindEnv("sync.fields", "SYNC_FIELDS")
	v.BindEnv("sync.overlap_minutes", "SYNC_OVERLAP_MINUTES")
	v.BindEnv("sync.default_interval_minutes", "DEFAULT_SYNC_INTERVAL_MINUTES")
	v.BindEnv("auth.enabled", "AUTH_ENABLED")
	v.BindEnv("auth.username", "AUTH_USERNAME")
	v.BindEnv("auth.password", "AUTH_PASSWORD")
	v.BindEnv("log.level", "LOG_LEVEL")

	v.SetDefault("database.path", "issuebridge.db")
	v.SetDefault("server.listen_addr", "0.0.0.0:8000")
	v.SetDefault("sync.overlap_minutes", 2)
	v.SetDefault("sync.default_interval_minutes", 10)
	v.SetDefault("log.level", "info")

	config := &Config{
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Server: ServerConfig{
			ListenAddr: v.GetString("server.listen_addr"),
		},
		Sync: SyncConfig{
			Fields:                 splitFields(v.GetString("sync.fields")),
			OverlapWindow:          time.Duration(v.GetInt("sync.overlap_minutes")) * time.Minute,
			DefaultIntervalMinutes: v.GetInt("sync.default_interval_minutes"),
		},
		Auth: AuthConfig{
			Enabled:  v.GetBool("auth.enabled"),
			Username: v.GetString("auth.username"),
			Password: v.GetString("auth.password"),
		},
		LogLevel: v.GetString("log.level"),
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// splitFields parses the comma-separated SYNC_FIELDS allowlist.
func splitFields(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// validateConfig ensures that configuration values are consistent.
func validateConfig(config *Config) error {
	var missingVars []string

	if config.Auth.Enabled {
		if config.Auth.Username == "" {
			missingVars = append(missingVars, "AUTH_USERNAME")
		}
		if config.Auth.Password == "" {
			missingVars = append(missingVars, "AUTH_PASSWORD")
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if config.Sync.OverlapWindow < 0 {
		return fmt.Errorf("SYNC_OVERLAP_MINUTES must not be negative")
	}
	if config.Sync.DefaultIntervalMinutes <= 0 {
		return fmt.Errorf("DEFAULT_SYNC_INTERVAL_MINUTES must be positive")
	}

	return nil
}
