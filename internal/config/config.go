package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the entire application configuration
type Config struct {
	Hub      HubConfig      `mapstructure:"hub"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
}

// HubConfig contains content host settings
type HubConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

// TransferConfig contains worker pool and verification settings
type TransferConfig struct {
	OutputDir           string `mapstructure:"output_dir"`
	ConcurrentDownloads int    `mapstructure:"concurrent_downloads"`
	Verifiers           int    `mapstructure:"verifiers"`
	ChunkSizeKB         int    `mapstructure:"chunk_size_kb"`
	RateLimitMBps       int    `mapstructure:"rate_limit_mbps"`
	MaxRetries          int    `mapstructure:"max_retries"`
	RetryBackoff        string `mapstructure:"retry_backoff"`
	SmallFileKB         int    `mapstructure:"small_file_kb"`
	ProgressInterval    string `mapstructure:"progress_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Load loads configuration from the specified file path. A missing file
// is not an error: every setting has a default and the token falls back
// to the HF_TOKEN environment variable.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("hub.base_url", "https://huggingface.co")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.request_timeout", "30s")
	v.SetDefault("transfer.output_dir", "models")
	v.SetDefault("transfer.concurrent_downloads", 3)
	v.SetDefault("transfer.verifiers", 1)
	v.SetDefault("transfer.chunk_size_kb", 1024)
	v.SetDefault("transfer.rate_limit_mbps", 0)
	v.SetDefault("transfer.max_retries", 3)
	v.SetDefault("transfer.retry_backoff", "1s")
	v.SetDefault("transfer.small_file_kb", 1024)
	v.SetDefault("transfer.progress_interval", "200ms")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("database.path", "")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file, run on defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Hub.Token == "" {
		config.Hub.Token = os.Getenv("HF_TOKEN")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Hub.BaseURL == "" {
		return fmt.Errorf("hub.base_url is required")
	}

	if _, err := time.ParseDuration(c.Hub.RequestTimeout); err != nil {
		return fmt.Errorf("invalid hub.request_timeout: %w", err)
	}

	if c.Transfer.OutputDir == "" {
		return fmt.Errorf("transfer.output_dir is required")
	}
	if c.Transfer.ConcurrentDownloads < 1 || c.Transfer.ConcurrentDownloads > 16 {
		return fmt.Errorf("transfer.concurrent_downloads must be between 1 and 16")
	}
	if c.Transfer.Verifiers < 1 {
		return fmt.Errorf("transfer.verifiers must be positive")
	}
	if c.Transfer.ChunkSizeKB < 1 {
		return fmt.Errorf("transfer.chunk_size_kb must be positive")
	}
	if c.Transfer.MaxRetries < 0 {
		return fmt.Errorf("transfer.max_retries must not be negative")
	}
	if _, err := time.ParseDuration(c.Transfer.RetryBackoff); err != nil {
		return fmt.Errorf("invalid transfer.retry_backoff: %w", err)
	}
	if _, err := time.ParseDuration(c.Transfer.ProgressInterval); err != nil {
		return fmt.Errorf("invalid transfer.progress_interval: %w", err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// GetRequestTimeout returns the per-request network timeout
func (c *HubConfig) GetRequestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.RequestTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// GetRetryBackoff returns the base retry backoff as time.Duration
func (c *TransferConfig) GetRetryBackoff() time.Duration {
	d, _ := time.ParseDuration(c.RetryBackoff)
	if d == 0 {
		return time.Second
	}
	return d
}

// GetProgressInterval returns the aggregator sampling interval
func (c *TransferConfig) GetProgressInterval() time.Duration {
	d, _ := time.ParseDuration(c.ProgressInterval)
	if d == 0 {
		return 200 * time.Millisecond
	}
	return d
}

// GetChunkSize returns the transfer chunk size in bytes
func (c *TransferConfig) GetChunkSize() int {
	return c.ChunkSizeKB * 1024
}

// GetSmallFileBytes returns the threshold below which range support is
// irrelevant and interrupted files restart from zero
func (c *TransferConfig) GetSmallFileBytes() int64 {
	return int64(c.SmallFileKB) * 1024
}

// GetRateLimitBytes returns the aggregate rate ceiling in bytes/sec,
// 0 for unlimited
func (c *TransferConfig) GetRateLimitBytes() int64 {
	return int64(c.RateLimitMBps) * 1024 * 1024
}
