package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ParallelAnalysisMinConns is the smallest pool that can serve a parallel
// cycle: three analysis sessions plus one for the status API.
const ParallelAnalysisMinConns = 4

// Config represents the application configuration
type Config struct {
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Optimization OptimizationConfig `json:"optimization" yaml:"optimization"`
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
}

// DatabaseConfig represents the target PostgreSQL connection
type DatabaseConfig struct {
	URL             string        `json:"url" yaml:"url"`
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	User            string        `json:"user" yaml:"user"`
	Password        string        `json:"password" yaml:"password"`
	Database        string        `json:"database" yaml:"database"`
	SSLMode         string        `json:"ssl_mode" yaml:"ssl_mode"`
	Driver          string        `json:"driver" yaml:"driver"` // pgx or postgres
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// OptimizationConfig controls the analysis/remediation cycle. It is loaded
// once at startup and handed to the scheduler by value.
type OptimizationConfig struct {
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	Interval             time.Duration `json:"interval" yaml:"interval"`
	Schedule             string        `json:"schedule" yaml:"schedule"` // optional cron expression, overrides interval
	PerformanceThreshold int           `json:"performance_threshold" yaml:"performance_threshold"`

	OptimizeDuringBusinessHours bool   `json:"optimize_during_business_hours" yaml:"optimize_during_business_hours"`
	BusinessHoursStart          int    `json:"business_hours_start" yaml:"business_hours_start"`
	BusinessHoursEnd            int    `json:"business_hours_end" yaml:"business_hours_end"`
	TimeZone                    string `json:"time_zone" yaml:"time_zone"`

	SlowQueryLimit         int  `json:"slow_query_limit" yaml:"slow_query_limit"`
	ParallelAnalysis       bool `json:"parallel_analysis" yaml:"parallel_analysis"`
	DryRun                 bool `json:"dry_run" yaml:"dry_run"`
	MaxStatementsPerMinute int  `json:"max_statements_per_minute" yaml:"max_statements_per_minute"` // 0 means unlimited
}

// ServerConfig represents HTTP status server configuration
type ServerConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json or text
	Output string `json:"output" yaml:"output"` // stdout, stderr, or file path
}

// LoadConfig loads configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Load from file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expandedData := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// expandEnvVars expands ${VAR} or $VAR patterns in the input string
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var varName string
		if match[1] == '{' {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		// Return original if not found
		return match
	})
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Database:        "postgres",
			SSLMode:         "disable",
			Driver:          "pgx",
			MaxOpenConns:    4,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Optimization: OptimizationConfig{
			Enabled:                     true,
			Interval:                    6 * time.Hour,
			PerformanceThreshold:        80,
			OptimizeDuringBusinessHours: true,
			BusinessHoursStart:          8,
			BusinessHoursEnd:            18,
			TimeZone:                    "UTC",
			SlowQueryLimit:              10,
		},
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// overrideFromEnv overrides configuration with environment variables
func (c *Config) overrideFromEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	}
	if host := os.Getenv("DATABASE_HOST"); host != "" {
		c.Database.Host = host
	}
	c.Database.Port = getEnvInt("DATABASE_PORT", c.Database.Port)
	c.Database.User = getEnv("DATABASE_USER", c.Database.User)
	c.Database.Password = getEnv("DATABASE_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DATABASE_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DATABASE_SSLMODE", c.Database.SSLMode)

	if enabled := os.Getenv("OPTIMIZATION_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			c.Optimization.Enabled = b
		}
	}
	if interval := os.Getenv("OPTIMIZATION_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			c.Optimization.Interval = d
		}
	}
	c.Optimization.PerformanceThreshold = getEnvInt("PERFORMANCE_THRESHOLD", c.Optimization.PerformanceThreshold)

	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Optimization.Validate(); err != nil {
		return err
	}

	if c.Optimization.ParallelAnalysis && c.Database.MaxOpenConns > 0 && c.Database.MaxOpenConns < ParallelAnalysisMinConns {
		return fmt.Errorf("parallel_analysis needs max_open_conns of at least %d, got %d",
			ParallelAnalysisMinConns, c.Database.MaxOpenConns)
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Validate validates the database section
func (d DatabaseConfig) Validate() error {
	if d.Driver != "pgx" && d.Driver != "postgres" {
		return fmt.Errorf("database: unsupported driver %q (want pgx or postgres)", d.Driver)
	}
	if d.URL != "" {
		return nil
	}
	if d.Host == "" {
		return fmt.Errorf("database: host is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("database: invalid port: %d", d.Port)
	}
	if d.User == "" {
		return fmt.Errorf("database: user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database: database is required")
	}
	return nil
}

// DSN returns the connection string for the configured database
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	parts := []string{
		"host=" + quoteDSNValue(d.Host),
		"port=" + strconv.Itoa(d.Port),
		"user=" + quoteDSNValue(d.User),
		"dbname=" + quoteDSNValue(d.Database),
		"sslmode=" + quoteDSNValue(d.SSLMode),
	}
	if d.Password != "" {
		parts = append(parts, "password="+quoteDSNValue(d.Password))
	}
	if d.ConnectTimeout > 0 {
		parts = append(parts, "connect_timeout="+strconv.Itoa(int(d.ConnectTimeout.Seconds())))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue single-quotes a keyword/value connection string value when
// it is empty or contains whitespace, quotes or backslashes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r'\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Validate validates the optimization section
func (o OptimizationConfig) Validate() error {
	if o.PerformanceThreshold < 0 || o.PerformanceThreshold > 100 {
		return fmt.Errorf("optimization: performance_threshold must be between 0 and 100, got %d", o.PerformanceThreshold)
	}
	if o.Schedule == "" && o.Interval <= 0 {
		return fmt.Errorf("optimization: interval must be positive")
	}
	if o.Schedule != "" {
		if _, err := cron.ParseStandard(o.Schedule); err != nil {
			return fmt.Errorf("optimization: invalid schedule %q: %w", o.Schedule, err)
		}
	}
	if o.BusinessHoursStart < 0 || o.BusinessHoursStart > 23 {
		return fmt.Errorf("optimization: business_hours_start must be between 0 and 23")
	}
	if o.BusinessHoursEnd < 0 || o.BusinessHoursEnd > 24 {
		return fmt.Errorf("optimization: business_hours_end must be between 0 and 24")
	}
	if _, err := time.LoadLocation(o.TimeZone); err != nil {
		return fmt.Errorf("optimization: invalid time_zone %q: %w", o.TimeZone, err)
	}
	if o.SlowQueryLimit < 1 {
		return fmt.Errorf("optimization: slow_query_limit must be at least 1")
	}
	if o.MaxStatementsPerMinute < 0 {
		return fmt.Errorf("optimization: max_statements_per_minute must not be negative")
	}
	return nil
}

// InBusinessHours reports whether t falls inside [BusinessHoursStart,
// BusinessHoursEnd) in the configured time zone. A window whose end is
// before its start wraps past midnight.
func (o OptimizationConfig) InBusinessHours(t time.Time) bool {
	loc, err := time.LoadLocation(o.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	start, end := o.BusinessHoursStart, o.BusinessHoursEnd
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// MaintenanceAllowed reports whether remediation may run at t.
func (o OptimizationConfig) MaintenanceAllowed(t time.Time) bool {
	return o.OptimizeDuringBusinessHours || !o.InBusinessHours(t)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
