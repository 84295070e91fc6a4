package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
storage:
  data_dir: /tmp/stripedb-test
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/stripedb-test", cfg.Storage.DataDir)
	assert.Equal(t, 256, cfg.Engine.StripeCount)
	assert.Equal(t, int64(67108864), cfg.WAL.SegmentSize)
	assert.Equal(t, 24*time.Hour, cfg.WAL.Retention)
	assert.Equal(t, int64(16777216), cfg.MemTable.FlushBytes)
	assert.Equal(t, "snappy", cfg.SSTable.Compression)
	assert.Equal(t, 0.01, cfg.SSTable.BloomFilterFP)
	assert.Equal(t, 4, cfg.Compaction.Trigger)
	assert.Equal(t, 2, cfg.Compaction.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Compaction.Interval)
	assert.Equal(t, 95.0, cfg.Disk.CircuitBreakerThreshold)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
storage:
  data_dir: /data/kv
engine:
  stripe_count: 16
wal:
  segment_size: 1048576
  sync_writes: true
  retention: 1h
mem_table:
  flush_bytes: 4194304
  flush_records: 10000
sstable:
  compression: zstd
  bloom_filter_fp: 0.001
compaction:
  trigger: 8
  max_concurrent: 4
  interval: 10s
metrics:
  enabled: true
  port: 8080
`))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.StripeCount)
	assert.True(t, cfg.WAL.SyncWrites)
	assert.Equal(t, time.Hour, cfg.WAL.Retention)
	assert.Equal(t, 10000, cfg.MemTable.FlushRecords)
	assert.Equal(t, "zstd", cfg.SSTable.Compression)
	assert.Equal(t, 8, cfg.Compaction.Trigger)
	assert.Equal(t, 8080, cfg.Metrics.Port)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad stripe count", "engine:\n  stripe_count: 100000\n"},
		{"bad compression", "sstable:\n  compression: gzip\n"},
		{"bad bloom fp", "sstable:\n  bloom_filter_fp: 1.5\n"},
		{"threshold ordering", "disk:\n  warning_threshold: 95\n  throttle_threshold: 90\n"},
		{"bad encryption key", "encryption:\n  enabled: true\n  key_hex: abcd\n"},
		{"malformed key hex", "encryption:\n  enabled: true\n  key_hex: zz\n"},
		{"bad metrics port", "metrics:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestEncryptionKey(t *testing.T) {
	disabled := EncryptionConfig{Enabled: false, KeyHex: "not-even-hex"}
	key, err := disabled.Key()
	require.NoError(t, err)
	assert.Nil(t, key)

	enabled := EncryptionConfig{
		Enabled: true,
		KeyHex:  "000102030405060708090a0b0c0d0e0f",
	}
	key, err = enabled.Key()
	require.NoError(t, err)
	assert.Len(t, key, 16)
}
