package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	minPartSize = 5 * 1024 * 1024 // S3 multipart minimum

	EnvAccessKey = "S3DRIVE_ACCESS_KEY"
	EnvSecretKey = "S3DRIVE_SECRET_KEY"
)

// Config represents the application configuration
type Config struct {
	Storage      Storage  `yaml:"storage"`
	Transfer     Transfer `yaml:"transfer"`
	Sync         Sync     `yaml:"sync"`
	Database     string   `yaml:"database"`
	LogLevel     string   `yaml:"log_level"`
	MetricsAddr  string   `yaml:"metrics_addr"`
	ShowProgress bool     `yaml:"show_progress"`
}

// Storage represents the S3-compatible bucket the client works against
type Storage struct {
	Provider  string `yaml:"provider"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// Transfer represents chunking, concurrency and retry settings
type Transfer struct {
	PartSize           int64         `yaml:"part_size"`
	MaxParts           int           `yaml:"max_parts"`
	Concurrency        int           `yaml:"concurrency"`
	MaxConcurrentParts int           `yaml:"max_concurrent_parts"`
	Retries            int           `yaml:"retries"`
	RetryBackoffMs     int           `yaml:"retry_backoff_ms"`
	PartTimeout        time.Duration `yaml:"part_timeout"`
	BandwidthLimit     int64         `yaml:"bandwidth_limit"`
	VerifyChecksums    bool          `yaml:"verify_checksums"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
	SpeedWindow        time.Duration `yaml:"speed_window"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
}

// Sync represents folder synchronization settings
type Sync struct {
	Interval       time.Duration `yaml:"interval"`
	RemoteCacheTTL time.Duration `yaml:"remote_cache_ttl"`
	Debounce       time.Duration `yaml:"debounce"`
	ConflictPolicy string        `yaml:"conflict_policy"`
	Exclude        []string      `yaml:"exclude"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		Database:     "./s3drive.db",
		ShowProgress: true,
		Storage: Storage{
			Provider: "minio",
			Region:   "us-east-1",
			Secure:   true,
		},
		Transfer: Transfer{
			PartSize:           10 * 1024 * 1024,
			MaxParts:           10000,
			Concurrency:        4,
			MaxConcurrentParts: 16,
			Retries:            5,
			RetryBackoffMs:     500,
			PartTimeout:        5 * time.Minute,
			VerifyChecksums:    true,
			ProgressInterval:   500 * time.Millisecond,
			SpeedWindow:        5 * time.Second,
			LeaseTTL:           30 * time.Second,
		},
		Sync: Sync{
			Interval:       5 * time.Minute,
			RemoteCacheTTL: 10 * time.Minute,
			Debounce:       2 * time.Second,
			ConflictPolicy: "ask",
			Exclude:        []string{"*.partial", ".DS_Store"},
		},
	}
}

// Load loads configuration from file, command line flags and environment
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	loadFromEnv(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	getString := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	getBool := func(name string, dst *bool) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetBool(name)
		}
	}
	getInt := func(name string, dst *int) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetInt(name)
		}
	}
	getInt64 := func(name string, dst *int64) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetInt64(name)
		}
	}
	getDuration := func(name string, dst *time.Duration) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetDuration(name)
		}
	}

	getString("provider", &cfg.Storage.Provider)
	getString("endpoint", &cfg.Storage.Endpoint)
	getString("region", &cfg.Storage.Region)
	getString("bucket", &cfg.Storage.Bucket)
	getString("access-key", &cfg.Storage.AccessKey)
	getString("secret-key", &cfg.Storage.SecretKey)
	getBool("secure", &cfg.Storage.Secure)

	getInt64("part-size", &cfg.Transfer.PartSize)
	getInt("concurrency", &cfg.Transfer.Concurrency)
	getInt("max-concurrent-parts", &cfg.Transfer.MaxConcurrentParts)
	getInt("retries", &cfg.Transfer.Retries)
	getInt("retry-backoff-ms", &cfg.Transfer.RetryBackoffMs)
	getDuration("part-timeout", &cfg.Transfer.PartTimeout)
	getInt64("bandwidth-limit", &cfg.Transfer.BandwidthLimit)
	getBool("verify-checksums", &cfg.Transfer.VerifyChecksums)

	getDuration("sync-interval", &cfg.Sync.Interval)
	getString("conflict-policy", &cfg.Sync.ConflictPolicy)
	if err == nil && flags.Changed("exclude") {
		cfg.Sync.Exclude, err = flags.GetStringSlice("exclude")
	}

	getString("database", &cfg.Database)
	getString("log-level", &cfg.LogLevel)
	getString("metrics-addr", &cfg.MetricsAddr)
	getBool("show-progress", &cfg.ShowProgress)

	return err
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv(EnvAccessKey); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv(EnvSecretKey); v != "" {
		cfg.Storage.SecretKey = v
	}
}

func (c *Config) validate() error {
	switch c.Storage.Provider {
	case "minio":
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage endpoint is required")
		}
		if c.Storage.AccessKey == "" {
			return fmt.Errorf("storage access key is required")
		}
		if c.Storage.SecretKey == "" {
			return fmt.Errorf("storage secret key is required")
		}
	case "s3":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}

	if c.Transfer.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Transfer.MaxConcurrentParts <= 0 {
		return fmt.Errorf("max concurrent parts must be positive")
	}
	if c.Transfer.PartSize < minPartSize {
		return fmt.Errorf("part size must be at least 5MB")
	}
	if c.Transfer.MaxParts <= 0 {
		return fmt.Errorf("max parts must be positive")
	}
	if c.Transfer.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}
	if c.Transfer.LeaseTTL < time.Second {
		return fmt.Errorf("lease ttl must be at least 1s")
	}
	if c.Transfer.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidth limit must not be negative")
	}

	switch c.Sync.ConflictPolicy {
	case "ask", "overwrite", "skip":
	default:
		return fmt.Errorf("unknown conflict policy %q", c.Sync.ConflictPolicy)
	}

	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}

	return nil
}
