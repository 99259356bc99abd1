// Package config loads service configuration with Viper.
//
// Precedence: defaults < config file < PIPELINE_* environment variables.
// Nested keys map to env vars by replacing "." with "_", e.g.
// jobs.max_concurrent_jobs -> PIPELINE_JOBS_MAX_CONCURRENT_JOBS.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "PIPELINE"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Results  ResultsConfig  `mapstructure:"results"`
	Database DatabaseConfig `mapstructure:"database"`
	Data     DataConfig     `mapstructure:"data"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadMB     int64         `mapstructure:"max_upload_mb"`
	SubmitRate      float64       `mapstructure:"submit_rate"`  // submissions per second, 0 disables limiting
	SubmitBurst     int           `mapstructure:"submit_burst"` // token bucket size
}

// JobsConfig configures the job manager.
type JobsConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxQueuedJobs     int           `mapstructure:"max_queued_jobs"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	// JobRetention is how long a terminal job stays in the active table.
	// It is independent of results.retention_seconds.
	JobRetention     time.Duration `mapstructure:"job_retention"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxStageAttempts int           `mapstructure:"max_stage_attempts"` // 1 = no retry
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	// MaxPoints caps the points any reader or inline input may hold.
	MaxPoints int `mapstructure:"max_points"`
}

// ResultsConfig configures the result store.
type ResultsConfig struct {
	RetentionSeconds int `mapstructure:"retention_seconds"`
}

// Retention returns the retention window as a duration.
func (r ResultsConfig) Retention() time.Duration {
	return time.Duration(r.RetentionSeconds) * time.Second
}

// DatabaseConfig configures the SQLite job ledger.
type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// DataConfig configures where readers and writers may touch the filesystem.
type DataConfig struct {
	Dir       string `mapstructure:"dir"`        // uploads and reader inputs
	OutputDir string `mapstructure:"output_dir"` // writer outputs, one directory per job
}

// LogConfig configures logging output.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_mb", 512)
	v.SetDefault("server.submit_rate", 20.0)
	v.SetDefault("server.submit_burst", 40)

	v.SetDefault("jobs.max_concurrent_jobs", 4)
	v.SetDefault("jobs.max_queued_jobs", 100)
	v.SetDefault("jobs.job_timeout", 10*time.Minute)
	v.SetDefault("jobs.job_retention", time.Hour)
	v.SetDefault("jobs.sweep_interval", 30*time.Second)
	v.SetDefault("jobs.max_stage_attempts", 1)
	v.SetDefault("jobs.retry_backoff", 500*time.Millisecond)
	v.SetDefault("jobs.max_points", 10_000_000)

	v.SetDefault("results.retention_seconds", 3600)

	v.SetDefault("database.path", "pipeline.db")
	v.SetDefault("database.enabled", true)

	v.SetDefault("data.dir", "uploads")
	v.SetDefault("data.output_dir", "outputs")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// NewViper returns a Viper instance with defaults and env binding applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration from an optional file plus environment variables.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	case c.Jobs.MaxConcurrentJobs < 1:
		return fmt.Errorf("jobs.max_concurrent_jobs must be at least 1, got %d", c.Jobs.MaxConcurrentJobs)
	case c.Jobs.MaxQueuedJobs < 0:
		return fmt.Errorf("jobs.max_queued_jobs must not be negative, got %d", c.Jobs.MaxQueuedJobs)
	case c.Jobs.JobTimeout <= 0:
		return fmt.Errorf("jobs.job_timeout must be positive, got %s", c.Jobs.JobTimeout)
	case c.Jobs.MaxStageAttempts < 1:
		return fmt.Errorf("jobs.max_stage_attempts must be at least 1, got %d", c.Jobs.MaxStageAttempts)
	case c.Jobs.MaxPoints < 1:
		return fmt.Errorf("jobs.max_points must be at least 1, got %d", c.Jobs.MaxPoints)
	case c.Results.RetentionSeconds <= 0:
		return fmt.Errorf("results.retention_seconds must be positive, got %d", c.Results.RetentionSeconds)
	}
	return nil
}

// Address returns the listen address for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
