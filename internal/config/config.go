package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ciluvien/dsn-analysis/internal/logging"
	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/api"
	"github.com/Ciluvien/dsn-analysis/pkg/contact"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
	"github.com/Ciluvien/dsn-analysis/pkg/telemetry"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Plan       PlanConfig       `yaml:"plan"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Timeout    time.Duration `yaml:"timeout"`
	// MaxPoints bounds points per series in a range query.
	MaxPoints     int           `yaml:"max_points"`
	CacheCapacity int           `yaml:"cache_capacity"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string `yaml:"path"`
	TenantID         string `yaml:"tenant_id"`
	RetentionDays    int    `yaml:"retention_days"`
	CompressionLevel int    `yaml:"compression_level"`
	EnableWAL        bool   `yaml:"enable_wal"`
}

// PrometheusConfig points plan generation at a range query API.
type PrometheusConfig struct {
	URL       string            `yaml:"url"`
	Step      time.Duration     `yaml:"step"`
	Timeout   time.Duration     `yaml:"timeout"`
	MaxSplits int               `yaml:"max_splits"`
	Queries   telemetry.Queries `yaml:"queries"`
}

// PlanConfig holds plan output defaults.
type PlanConfig struct {
	Format           string `yaml:"format"`
	Relative         bool   `yaml:"relative"`
	QualifyEndpoints bool   `yaml:"qualify_endpoints"`
	Output           string `yaml:"output"`
}

// IngestConfig controls DSN Now batch conversion.
type IngestConfig struct {
	Workers     int  `yaml:"workers"`
	ConvertOnly bool `yaml:"convert_only"`
	Compress    bool `yaml:"compress"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    getEnv("LISTEN_ADDR", ":9090"),
			Timeout:       getEnvDuration("SERVER_TIMEOUT", 30*time.Second),
			MaxPoints:     getEnvInt("MAX_POINTS", api.DefaultMaxPoints),
			CacheCapacity: getEnvInt("QUERY_CACHE_CAPACITY", 256),
			CacheTTL:      getEnvDuration("QUERY_CACHE_TTL", time.Minute),
		},
		Storage: StorageConfig{
			Path:             getEnv("STORAGE_PATH", "./data"),
			TenantID:         getEnv("TENANT_ID", storage.DefaultTenant),
			RetentionDays:    getEnvInt("RETENTION_DAYS", 0),
			CompressionLevel: getEnvInt("COMPRESSION_LEVEL", 3),
			EnableWAL:        getEnvBool("ENABLE_WAL", true),
		},
		Prometheus: PrometheusConfig{
			URL:       getEnv("PROMETHEUS_URL", ""),
			Step:      getEnvDuration("PROMETHEUS_STEP", telemetry.DefaultStep),
			Timeout:   getEnvDuration("PROMETHEUS_TIMEOUT", time.Minute),
			MaxSplits: getEnvInt("PROMETHEUS_MAX_SPLITS", telemetry.DefaultMaxSplits),
			Queries:   telemetry.DefaultQueries(),
		},
		Plan: PlanConfig{
			Format:           getEnv("PLAN_FORMAT", contact.FormatRAW.String()),
			Relative:         getEnvBool("PLAN_RELATIVE", false),
			QualifyEndpoints: getEnvBool("PLAN_QUALIFY_ENDPOINTS", false),
			Output:           getEnv("PLAN_OUTPUT", ""),
		},
		Ingest: IngestConfig{
			Workers:     getEnvInt("INGEST_WORKERS", 3),
			ConvertOnly: getEnvBool("INGEST_CONVERT_ONLY", false),
			Compress:    getEnvBool("INGEST_COMPRESS", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "dsn-analysis"),
			Exporter:    getEnv("TRACING_EXPORTER", "stdout"),
			Endpoint:    getEnv("OTLP_ENDPOINT", ""),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Path:             c.Storage.Path,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
		EnableWAL:        c.Storage.EnableWAL,
	}
}

// ToPrometheusConfig converts to telemetry.PrometheusConfig
func (c *Config) ToPrometheusConfig() telemetry.PrometheusConfig {
	return telemetry.PrometheusConfig{
		URL:       c.Prometheus.URL,
		Queries:   c.Prometheus.Queries,
		MaxSplits: c.Prometheus.MaxSplits,
		Timeout:   c.Prometheus.Timeout,
	}
}

// PlanOptions are the plan defaults with the format resolved.
type PlanOptions struct {
	Format           contact.PlanFormat
	Relative         bool
	QualifyEndpoints bool
	Output           string
}

// ToPlanOptions resolves the plan section.
func (c *Config) ToPlanOptions() (PlanOptions, error) {
	format, err := contact.ParseFormat(c.Plan.Format)
	if err != nil {
		return PlanOptions{}, err
	}
	return PlanOptions{
		Format:           format,
		Relative:         c.Plan.Relative,
		QualifyEndpoints: c.Plan.QualifyEndpoints,
		Output:           c.Plan.Output,
	}, nil
}

// ToLoggingConfig converts to logging.Config
func (c *Config) ToLoggingConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

// ToTracingConfig converts to observability.TracingConfig
func (c *Config) ToTracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Server.MaxPoints < 1 {
		return fmt.Errorf("max points must be at least 1")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Prometheus.Step <= 0 {
		return fmt.Errorf("prometheus step must be positive")
	}

	if c.Prometheus.MaxSplits < 2 {
		return fmt.Errorf("prometheus max splits must be at least 2")
	}

	if _, err := contact.ParseFormat(c.Plan.Format); err != nil {
		return fmt.Errorf("plan format: %w", err)
	}

	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be at least 1")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}

	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
