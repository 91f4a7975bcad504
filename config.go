package lgkv

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/twlk9/lgkv/compression"
)

// Config is the YAML form of Options. Zero fields keep the defaults.
type Config struct {
	Path                    string       `yaml:"path"`
	MemtableSizeThreshold   int          `yaml:"memtable_size_threshold"`
	MaxMemtables            int          `yaml:"max_memtables"`
	BlockSize               int          `yaml:"block_size"`
	BlockRestartInterval    int          `yaml:"block_restart_interval"`
	BloomBitsPerKey         *int         `yaml:"bloom_bits_per_key"`
	Codec                   string       `yaml:"codec"`
	CompressionLevel        int          `yaml:"compression_level"`
	Level0CompactionTrigger int          `yaml:"level0_compaction_trigger"`
	L0StopWritesTrigger     int          `yaml:"l0_stop_writes_trigger"`
	LevelSizeMultiplier     float64      `yaml:"level_size_multiplier"`
	LevelFileSizeMultiplier float64      `yaml:"level_file_size_multiplier"`
	MaxLevels               int          `yaml:"max_levels"`
	MaxOpenFiles            int          `yaml:"max_open_files"`
	BlockCacheSize          int64        `yaml:"block_cache_size"`
	MaxManifestFileSize     int64        `yaml:"max_manifest_file_size"`
	Sync                    *bool        `yaml:"sync"`
	WALSyncInterval         string       `yaml:"wal_sync_interval"`
	WALBytesPerSync         int          `yaml:"wal_bytes_per_sync"`
	ClockSequence           bool         `yaml:"clock_sequence"`
	Logger                  LoggerConfig `yaml:"logger"`
}

// LoggerConfig picks the slog handler.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoadConfig reads a YAML config file. A missing file is not an error
// and yields an empty Config.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadOptions returns DefaultOptions overlaid with the file at path.
func LoadOptions(path string) (*Options, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	opts := DefaultOptions()
	if err := cfg.Apply(opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// Apply copies every set field of c into opts.
func (c *Config) Apply(opts *Options) error {
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setInt64 := func(dst *int64, v int64) {
		if v != 0 {
			*dst = v
		}
	}
	setFloat := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}

	if c.Path != "" {
		opts.Path = c.Path
	}
	setInt(&opts.MemtableSizeThreshold, c.MemtableSizeThreshold)
	setInt(&opts.MaxMemtables, c.MaxMemtables)
	setInt(&opts.BlockSize, c.BlockSize)
	setInt(&opts.BlockRestartInterval, c.BlockRestartInterval)
	if c.BloomBitsPerKey != nil {
		opts.BloomBitsPerKey = *c.BloomBitsPerKey
	}
	if c.Codec != "" {
		t, err := compression.ParseType(c.Codec)
		if err != nil {
			return err
		}
		opts.Codec = t
	}
	setInt(&opts.CompressionLevel, c.CompressionLevel)
	setInt(&opts.Level0CompactionTrigger, c.Level0CompactionTrigger)
	setInt(&opts.L0StopWritesTrigger, c.L0StopWritesTrigger)
	setFloat(&opts.LevelSizeMultiplier, c.LevelSizeMultiplier)
	setFloat(&opts.LevelFileSizeMultiplier, c.LevelFileSizeMultiplier)
	setInt(&opts.MaxLevels, c.MaxLevels)
	setInt(&opts.MaxOpenFiles, c.MaxOpenFiles)
	setInt64(&opts.BlockCacheSize, c.BlockCacheSize)
	setInt64(&opts.MaxManifestFileSize, c.MaxManifestFileSize)
	if c.Sync != nil {
		opts.Sync = *c.Sync
	}
	if c.WALSyncInterval != "" {
		d, err := time.ParseDuration(c.WALSyncInterval)
		if err != nil {
			return fmt.Errorf("wal_sync_interval: %w", err)
		}
		opts.WALSyncInterval = d
	}
	setInt(&opts.WALBytesPerSync, c.WALBytesPerSync)
	if c.ClockSequence {
		opts.ClockSequence = true
	}

	logger, err := c.Logger.New()
	if err != nil {
		return err
	}
	if logger != nil {
		opts.Logger = logger
	}
	return nil
}

// New builds a logger writing to stderr, or returns nil when no level
// is configured.
func (lc LoggerConfig) New() (*slog.Logger, error) {
	if lc.Level == "" && !lc.JSON {
		return nil, nil
	}
	var level slog.Level
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(lc.Level))); err != nil {
			return nil, fmt.Errorf("logger level: %w", err)
		}
	} else {
		level = slog.LevelWarn
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.JSON {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, hopts)
	}
	return slog.New(handler), nil
}
