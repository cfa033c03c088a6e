package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fundingflow FundingflowConfig `yaml:"fundingflow"`
	Database    DatabaseConfig    `yaml:"database"`
	Fetcher     FetcherConfig     `yaml:"fetcher"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Source      SourceConfig      `yaml:"source"`
	Storage     StorageConfig     `yaml:"storage"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type FundingflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type FetcherConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	RequestDelay time.Duration `yaml:"request_delay"`
	Timeout      time.Duration `yaml:"timeout"`
	ChunkDays    int           `yaml:"chunk_days"`
}

type DiscoveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Floor       string        `yaml:"floor"`
	ProbeWindow time.Duration `yaml:"probe_window"`
	MaxProbes   int           `yaml:"max_probes"`
}

// FloorTime parses the discovery epoch floor, defaulting to 2020-01-01
// which predates perpetual funding history on all supported exchanges.
func (d DiscoveryConfig) FloorTime() (time.Time, error) {
	if d.Floor == "" {
		return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse("2006-01-02", d.Floor)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid discovery.floor %q: %w", d.Floor, err)
	}
	return t.UTC(), nil
}

type SourceConfig struct {
	Binance ExchangeSourceConfig `yaml:"binance"`
	Bybit   ExchangeSourceConfig `yaml:"bybit"`
	Okx     ExchangeSourceConfig `yaml:"okx"`
}

type ExchangeSourceConfig struct {
	URL            string               `yaml:"url"`
	PageLimit      int                  `yaml:"page_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
	MaxBuffer   int    `yaml:"max_buffer"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Namespace         string `yaml:"namespace"`
	DashboardName     string `yaml:"dashboard_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Fetcher: FetcherConfig{
			Concurrency:  2,
			MaxAttempts:  3,
			RetryDelay:   15 * time.Second,
			RequestDelay: 500 * time.Millisecond,
			Timeout:      20 * time.Second,
			ChunkDays:    5,
		},
		Discovery: DiscoveryConfig{
			ProbeWindow: 24 * time.Hour,
			MaxProbes:   48,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Fundingflow.Name == "" {
		return fmt.Errorf("fundingflow.name is required")
	}

	if cfg.Fundingflow.Version == "" {
		return fmt.Errorf("fundingflow.version is required")
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if cfg.Fetcher.Concurrency <= 0 {
		return fmt.Errorf("fetcher.concurrency must be greater than 0")
	}
	if cfg.Fetcher.MaxAttempts <= 0 {
		return fmt.Errorf("fetcher.max_attempts must be greater than 0")
	}
	if cfg.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be greater than 0")
	}
	if cfg.Fetcher.ChunkDays <= 0 {
		return fmt.Errorf("fetcher.chunk_days must be greater than 0")
	}

	if cfg.Discovery.Enabled {
		if cfg.Discovery.ProbeWindow <= 0 {
			return fmt.Errorf("discovery.probe_window must be greater than 0")
		}
		if cfg.Discovery.MaxProbes <= 0 {
			return fmt.Errorf("discovery.max_probes must be greater than 0")
		}
		if _, err := cfg.Discovery.FloorTime(); err != nil {
			return err
		}
	}

	for _, src := range []struct {
		name string
		cfg  ExchangeSourceConfig
	}{
		{"binance", cfg.Source.Binance},
		{"bybit", cfg.Source.Bybit},
		{"okx", cfg.Source.Okx},
	} {
		if src.cfg.URL == "" {
			return fmt.Errorf("source.%s.url is required", src.name)
		}
	}

	if cfg.Archive.Enabled && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("archive.enabled requires storage.s3.enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
