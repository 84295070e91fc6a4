package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the storage engine.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Engine     EngineConfig     `yaml:"engine"`
	WAL        WALConfig        `yaml:"wal"`
	MemTable   MemTableConfig   `yaml:"mem_table"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Compaction CompactionConfig `yaml:"compaction"`
	Disk       DiskConfig       `yaml:"disk"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds storage layout configuration.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// EngineConfig holds engine-level configuration.
type EngineConfig struct {
	StripeCount  int `yaml:"stripe_count"`
	MaxKeySize   int `yaml:"max_key_size"`
	MaxValueSize int `yaml:"max_value_size"`
}

// WALConfig holds write-ahead log configuration.
type WALConfig struct {
	SegmentSize int64         `yaml:"segment_size"`
	SyncWrites  bool          `yaml:"sync_writes"`
	Retention   time.Duration `yaml:"retention"`
}

// MemTableConfig holds memtable flush thresholds.
type MemTableConfig struct {
	FlushBytes   int64 `yaml:"flush_bytes"`
	FlushRecords int   `yaml:"flush_records"`
}

// SSTableConfig holds SSTable configuration.
type SSTableConfig struct {
	Compression   string  `yaml:"compression"`
	BloomFilterFP float64 `yaml:"bloom_filter_fp"`
}

// CompactionConfig holds compaction scheduling configuration.
type CompactionConfig struct {
	Trigger         int           `yaml:"trigger"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	Interval        time.Duration `yaml:"interval"`
	SpaceAmpWeight  float64       `yaml:"space_amp_weight"`
	ReadAmpWeight   float64       `yaml:"read_amp_weight"`
	WriteRateWeight float64       `yaml:"write_rate_weight"`
}

// DiskConfig holds disk space monitoring thresholds as usage percentages.
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// EncryptionConfig holds at-rest encryption configuration.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyHex  string `yaml:"key_hex"`
}

// Key decodes the configured encryption key, or returns nil when
// encryption is disabled.
func (e EncryptionConfig) Key() ([]byte, error) {
	if !e.Enabled {
		return nil, nil
	}
	key, err := hex.DecodeString(e.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	return key, nil
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration.
func setDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/stripedb"
	}

	if cfg.Engine.StripeCount == 0 {
		cfg.Engine.StripeCount = 256
	}

	if cfg.WAL.SegmentSize == 0 {
		cfg.WAL.SegmentSize = 67108864 // 64MB
	}
	if cfg.WAL.Retention == 0 {
		cfg.WAL.Retention = 24 * time.Hour
	}

	if cfg.MemTable.FlushBytes == 0 {
		cfg.MemTable.FlushBytes = 16777216 // 16MB per stripe
	}

	if cfg.SSTable.Compression == "" {
		cfg.SSTable.Compression = "snappy"
	}
	if cfg.SSTable.BloomFilterFP == 0 {
		cfg.SSTable.BloomFilterFP = 0.01
	}

	if cfg.Compaction.Trigger == 0 {
		cfg.Compaction.Trigger = 4
	}
	if cfg.Compaction.MaxConcurrent == 0 {
		cfg.Compaction.MaxConcurrent = 2
	}
	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = 30 * time.Second
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80.0
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = 90.0
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95.0
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Engine.StripeCount < 1 || c.Engine.StripeCount > 65536 {
		return fmt.Errorf("engine.stripe_count must be between 1 and 65536")
	}
	switch c.SSTable.Compression {
	case "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("sstable.compression must be one of none, snappy, lz4, zstd")
	}
	if c.SSTable.BloomFilterFP <= 0 || c.SSTable.BloomFilterFP >= 1 {
		return fmt.Errorf("sstable.bloom_filter_fp must be between 0 and 1")
	}
	if c.Disk.ThrottleThreshold <= c.Disk.WarningThreshold {
		return fmt.Errorf("disk.throttle_threshold must exceed disk.warning_threshold")
	}
	if c.Disk.CircuitBreakerThreshold <= c.Disk.ThrottleThreshold {
		return fmt.Errorf("disk.circuit_breaker_threshold must exceed disk.throttle_threshold")
	}
	if c.Encryption.Enabled {
		key, err := c.Encryption.Key()
		if err != nil {
			return err
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("encryption.key_hex must decode to 16, 24, or 32 bytes")
		}
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
