package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Decode    DecodeConfig    `yaml:"decode" envconfig:"DECODE"`
	Scale     ScaleConfig     `yaml:"scale" envconfig:"SCALE"`
	Remote    RemoteConfig    `yaml:"remote" envconfig:"REMOTE"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output     string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH" validate:"required_unless=Output console"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB" validate:"min=1"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS" validate:"min=0"`
	Compress   bool   `yaml:"compress" envconfig:"COMPRESS"`
}

// DecodeConfig controls archive decoding and assembly
type DecodeConfig struct {
	// Version overrides the descriptor's format version when non-zero
	Version      int           `yaml:"version" envconfig:"VERSION" validate:"min=0"`
	GapTolerance uint64        `yaml:"gap_tolerance" envconfig:"GAP_TOLERANCE"`
	Concurrency  int           `yaml:"concurrency" envconfig:"CONCURRENCY" validate:"min=1,max=256"`
	Deadline     time.Duration `yaml:"deadline" envconfig:"DEADLINE" validate:"min=0"`
}

// ScaleConfig locates the scale table. An empty path uses the built-in table.
type ScaleConfig struct {
	TablePath string `yaml:"table_path" envconfig:"TABLE_PATH"`
}

// RemoteConfig contains BTS server and SQL store settings
type RemoteConfig struct {
	BTSAddress        string        `yaml:"bts_address" envconfig:"BTS_ADDRESS" validate:"omitempty,hostname_port"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	ChunkSize         int           `yaml:"chunk_size" envconfig:"CHUNK_SIZE" validate:"min=1,max=100000"`
	RequestsPerSecond float64       `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND" validate:"min=0"`
	SQLDriver         string        `yaml:"sql_driver" envconfig:"SQL_DRIVER" validate:"oneof=sqlite sqlite3 pgx postgres"`
	SQLDSN            string        `yaml:"sql_dsn" envconfig:"SQL_DSN"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	ArchiveDir      string          `yaml:"archive_dir" envconfig:"ARCHIVE_DIR" validate:"required"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"min=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"min=0"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled" envconfig:"ENABLED"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"min=0,max=1"`
}

// Load builds the configuration from defaults, then the YAML file at path
// (or the first one found in the usual locations when path is empty), then
// CYCLER_* environment variables. Later sources win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg. Keys absent from the file
// keep their current values.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("%s: %w", filePath, err)
	}
	return nil
}

// resolvePaths makes relative file paths relative to the config file's directory
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Logging.FilePath, &c.Scale.TablePath, &c.Server.ArchiveDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate checks every section against its validate tags
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// getConfigFilePath returns the first config file found in common locations
func getConfigFilePath() string {
	locations := []string{
		"cyclerdata.yaml",
		"configs/cyclerdata.yaml",
		"../configs/cyclerdata.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Output:     "console",
			FilePath:   "logs/cyclerdata.log",
			MaxSizeMB:  MaxLogFileSizeMB,
			MaxBackups: MaxLogFileBackups,
			MaxAgeDays: MaxLogFileAge,
		},
		Decode: DecodeConfig{
			GapTolerance: DefaultGapTolerance,
			Concurrency:  DefaultConcurrency,
		},
		Remote: RemoteConfig{
			BTSAddress: "127.0.0.1:502",
			Timeout:    DefaultRemoteTimeout,
			ChunkSize:  DefaultChunkSize,
			SQLDriver:  "sqlite",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			ArchiveDir:      DefaultArchiveDir,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     DefaultRateLimit,
				Burst:   DefaultBurstSize,
			},
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
