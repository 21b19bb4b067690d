// Package config provides centralized configuration for all retriever
// components. Configuration loads from defaults, then an optional JSON
// file, then environment variables, with later sources overriding earlier
// ones.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	Cache   CacheConfig   `json:"cache"`
	Archive ArchiveConfig `json:"archive"`
	Rest    RestConfig    `json:"rest"`
	FCP     FCPConfig     `json:"fcp"`
	Logging LoggingConfig `json:"logging"`
}

// CacheConfig configures the per-day columnar cache.
type CacheConfig struct {
	Dir     string `json:"dir" env:"KLINE_CACHE_DIR"`
	Enabled bool   `json:"enabled" env:"KLINE_CACHE_ENABLED"`
}

// ArchiveConfig configures the bulk archive adapter.
type ArchiveConfig struct {
	BaseURL    string `json:"base_url" env:"KLINE_ARCHIVE_BASE_URL"`
	Timeout    string `json:"timeout" env:"KLINE_ARCHIVE_TIMEOUT"`     // per-day download budget
	MaxRetries int    `json:"max_retries" env:"KLINE_ARCHIVE_RETRIES"` // transport errors only
}

// RestConfig configures the live REST adapter.
type RestConfig struct {
	BaseURL         string `json:"base_url" env:"KLINE_REST_BASE_URL"` // empty uses the market endpoint
	WeightPerMinute int    `json:"weight_per_minute" env:"KLINE_REST_WEIGHT_PER_MINUTE"`
	KlinesWeight    int    `json:"klines_weight" env:"KLINE_REST_KLINES_WEIGHT"`
	PageTimeout     string `json:"page_timeout" env:"KLINE_REST_PAGE_TIMEOUT"`
	MaxRetries      int    `json:"max_retries" env:"KLINE_REST_RETRIES"`
}

// FCPConfig configures the failover orchestrator.
type FCPConfig struct {
	PublicationDelay string `json:"publication_delay" env:"KLINE_PUBLICATION_DELAY"`
	Parallelism      int    `json:"parallelism" env:"KLINE_PARALLELISM"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"KLINE_LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"KLINE_LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"KLINE_LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"KLINE_LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"KLINE_LOG_MAX_SIZE"` // MB
	MaxBackups int    `json:"max_backups" env:"KLINE_LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"KLINE_LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"KLINE_LOG_COMPRESS"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Cache: CacheConfig{
			Dir:     "./cache",
			Enabled: true,
		},
		Archive: ArchiveConfig{
			BaseURL:    "https://data.binance.vision",
			Timeout:    "3s",
			MaxRetries: 2,
		},
		Rest: RestConfig{
			WeightPerMinute: 6000,
			KlinesWeight:    2,
			PageTimeout:     "10s",
			MaxRetries:      3,
		},
		FCP: FCPConfig{
			PublicationDelay: "48h",
			Parallelism:      4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load builds the configuration: defaults, overridden by the JSON file at
// path (when non-empty and present), overridden by environment variables.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnv(cfg *AppConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString(&cfg.Cache.Dir, "KLINE_CACHE_DIR")
	setBool(&cfg.Cache.Enabled, "KLINE_CACHE_ENABLED")
	setString(&cfg.Archive.BaseURL, "KLINE_ARCHIVE_BASE_URL")
	setString(&cfg.Archive.Timeout, "KLINE_ARCHIVE_TIMEOUT")
	setInt(&cfg.Archive.MaxRetries, "KLINE_ARCHIVE_RETRIES")
	setString(&cfg.Rest.BaseURL, "KLINE_REST_BASE_URL")
	setInt(&cfg.Rest.WeightPerMinute, "KLINE_REST_WEIGHT_PER_MINUTE")
	setInt(&cfg.Rest.KlinesWeight, "KLINE_REST_KLINES_WEIGHT")
	setString(&cfg.Rest.PageTimeout, "KLINE_REST_PAGE_TIMEOUT")
	setInt(&cfg.Rest.MaxRetries, "KLINE_REST_RETRIES")
	setString(&cfg.FCP.PublicationDelay, "KLINE_PUBLICATION_DELAY")
	setInt(&cfg.FCP.Parallelism, "KLINE_PARALLELISM")
	setString(&cfg.Logging.Level, "KLINE_LOG_LEVEL")
	setString(&cfg.Logging.Format, "KLINE_LOG_FORMAT")
	setString(&cfg.Logging.Output, "KLINE_LOG_OUTPUT")
	setString(&cfg.Logging.FilePath, "KLINE_LOG_FILE_PATH")
	setInt(&cfg.Logging.MaxSize, "KLINE_LOG_MAX_SIZE")
	setInt(&cfg.Logging.MaxBackups, "KLINE_LOG_MAX_BACKUPS")
	setInt(&cfg.Logging.MaxAge, "KLINE_LOG_MAX_AGE")
	setBool(&cfg.Logging.Compress, "KLINE_LOG_COMPRESS")
}

// Validate checks cross-field consistency and duration syntax.
func (c *AppConfig) Validate() error {
	if c.Cache.Enabled && c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required when the cache is enabled")
	}
	for _, d := range []struct{ name, value string }{
		{"archive.timeout", c.Archive.Timeout},
		{"rest.page_timeout", c.Rest.PageTimeout},
		{"fcp.publication_delay", c.FCP.PublicationDelay},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.name, err)
		}
	}
	if c.FCP.Parallelism < 1 {
		return fmt.Errorf("fcp.parallelism must be >= 1, got %d", c.FCP.Parallelism)
	}
	if c.Rest.WeightPerMinute < 1 {
		return fmt.Errorf("rest.weight_per_minute must be >= 1, got %d", c.Rest.WeightPerMinute)
	}
	return nil
}

// ArchiveTimeout returns the parsed per-day archive budget.
func (c *AppConfig) ArchiveTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Archive.Timeout)
	return d
}

// RestPageTimeout returns the parsed per-page REST budget.
func (c *AppConfig) RestPageTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Rest.PageTimeout)
	return d
}

// PublicationDelay returns the parsed archive publication delay.
func (c *AppConfig) PublicationDelay() time.Duration {
	d, _ := time.ParseDuration(c.FCP.PublicationDelay)
	return d
}
