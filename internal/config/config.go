package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	Poll     PollConfig     `mapstructure:"poll"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	History  HistoryConfig  `mapstructure:"history"`
	Export   ExportConfig   `mapstructure:"export"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	Environment  string `mapstructure:"environment"`
}

// DatabaseConfig holds history storage configuration. Driver is either
// "sqlite" (file path in Path) or "postgres" (DSN assembled from the
// remaining fields).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
}

// ModbusConfig holds defaults for the device connection. The actual
// connection parameters arrive with the connect command; these are the
// fallbacks applied when a field is omitted.
type ModbusConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	SerialPort     string `mapstructure:"serial_port"`
	BaudRate       int    `mapstructure:"baud_rate"`
	UnitID         int    `mapstructure:"unit_id"`
	ConnectTimeout int    `mapstructure:"connect_timeout"` // seconds
}

// PollConfig holds poll loop tuning
type PollConfig struct {
	IntervalMs       int `mapstructure:"interval_ms"`
	ReadTimeoutMs    int `mapstructure:"read_timeout_ms"`
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// AlertsConfig holds alert engine tuning
type AlertsConfig struct {
	AnomalyWindow    int     `mapstructure:"anomaly_window"`
	AnomalyDeviation float64 `mapstructure:"anomaly_deviation"`
	MaxActive        int     `mapstructure:"max_active"`
}

// HistoryConfig holds retention settings
type HistoryConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
	QueueSize     int `mapstructure:"queue_size"`
}

// ExportConfig holds data export settings
type ExportConfig struct {
	Directory string `mapstructure:"directory"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	Secret            string `mapstructure:"secret"`
	ExpirationHours   int    `mapstructure:"expiration_hours"`
	AdminUser         string `mapstructure:"admin_user"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LoadConfig loads the application configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath == "" {
		configPath = "./config"
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("MODBUS_MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env vars carry the rest
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	v.AutomaticEnv()

	setDefaults(v)

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)  // seconds
	v.SetDefault("server.write_timeout", 15) // seconds
	v.SetDefault("server.idle_timeout", 60)  // seconds
	v.SetDefault("server.environment", "development")

	// Database defaults (sqlite file next to the binary, like the desktop build)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "modbus_data.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "modbus_monitor")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")

	// Modbus connection defaults
	v.SetDefault("modbus.host", "192.168.1.100")
	v.SetDefault("modbus.port", 502)
	v.SetDefault("modbus.serial_port", "/dev/ttyUSB0")
	v.SetDefault("modbus.baud_rate", 9600)
	v.SetDefault("modbus.unit_id", 1)
	v.SetDefault("modbus.connect_timeout", 5)

	// Poll loop defaults
	v.SetDefault("poll.interval_ms", 1000)
	v.SetDefault("poll.read_timeout_ms", 800)
	v.SetDefault("poll.failure_threshold", 3)

	// Alert engine defaults
	v.SetDefault("alerts.anomaly_window", 8)
	v.SetDefault("alerts.anomaly_deviation", 3.0)
	v.SetDefault("alerts.max_active", 1000)

	// History defaults
	v.SetDefault("history.retention_days", 30)
	v.SetDefault("history.queue_size", 1024)

	// Export defaults
	v.SetDefault("export.directory", "exports")

	// Auth defaults
	v.SetDefault("auth.expiration_hours", 24)
	v.SetDefault("auth.admin_user", "admin")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Poll.IntervalMs <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d ms", config.Poll.IntervalMs)
	}
	if config.Poll.ReadTimeoutMs <= 0 || config.Poll.ReadTimeoutMs >= config.Poll.IntervalMs {
		return fmt.Errorf("poll read timeout must be positive and less than the interval")
	}
	if config.Poll.FailureThreshold < 1 {
		return fmt.Errorf("poll failure threshold must be at least 1")
	}
	if config.Alerts.AnomalyWindow < 2 {
		return fmt.Errorf("anomaly window must be at least 2 samples")
	}

	switch config.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", config.Database.Driver)
	}

	if config.Auth.Secret == "" {
		if config.Server.Environment == "development" {
			config.Auth.Secret = "development-jwt-secret-key-change-in-production"
		} else {
			return fmt.Errorf("auth secret is required in non-development environments")
		}
	}

	return nil
}

// GetDSN returns the postgres connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone)
}

// Interval returns the poll interval as a duration
func (c *PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// ReadTimeout returns the per-read timeout as a duration
func (c *PollConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// IsProduction returns true if the environment is production
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}
