package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/lims-autoverify-server/internal/domain"
)

// Manager loads and validates the application configuration using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// Set configuration file name and paths
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/lims-autoverify/")

	// Set environment variable prefix and enable automatic env binding
	viper.SetEnvPrefix("LIMS_AV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	m.setDefaults()

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal configuration into struct
	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "lims_autoverify")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "migrations")

	// Redis defaults. Empty URL disables the shared QC state cache.
	viper.SetDefault("redis.url", "")
	viper.SetDefault("redis.default_ttl", "24h")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.pool_timeout", "4s")

	// QC statistics defaults
	viper.SetDefault("qc.window_size", 20)
	viper.SetDefault("qc.min_seed_points", 5)

	// Verification defaults
	viper.SetDefault("verification.tat_breach_threshold", "1h")

	// Notification defaults
	viper.SetDefault("notification.webhook_url", "")
	viper.SetDefault("notification.timeout", "10s")
	viper.SetDefault("notification.rate_per_second", 10)
	viper.SetDefault("notification.burst", 20)
	viper.SetDefault("notification.breaker_interval", "60s")
	viper.SetDefault("notification.breaker_timeout", "30s")

	// Audit defaults
	viper.SetDefault("audit.backend", "postgres")
	viper.SetDefault("audit.sqlite_path", "./data/audit.db")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	// Validate server configuration
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	// Validate database configuration
	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	// Validate QC configuration
	if config.QC.WindowSize < 2 {
		return fmt.Errorf("qc window size must be at least 2, got %d", config.QC.WindowSize)
	}
	if config.QC.MinSeedPoints < 0 {
		return fmt.Errorf("qc min seed points must not be negative, got %d", config.QC.MinSeedPoints)
	}

	// Validate verification configuration
	if config.Verification.TATBreachThreshold <= 0 {
		return fmt.Errorf("tat breach threshold must be positive")
	}

	// Validate audit configuration
	switch config.Audit.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid audit backend: %s", config.Audit.Backend)
	}
	if config.Audit.Backend == "sqlite" && config.Audit.SQLitePath == "" {
		return fmt.Errorf("audit sqlite path is required for the sqlite backend")
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database connection URL used by migrations
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Redis.URL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(viper.GetString("environment"))
	return env == "development" || env == "dev" || env == ""
}
