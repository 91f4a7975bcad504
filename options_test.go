package lgkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twlk9/lgkv/compression"
)

func TestFileCacheSize(t *testing.T) {
	tests := []struct {
		name         string
		maxOpenFiles int
		expected     int
	}{
		{"normal case", 1000, 990},
		{"small maxOpenFiles", 50, MinFileCacheSize},
		{"exactly minimum", MinFileCacheSize + NumReservedFiles, MinFileCacheSize},
		{"very large maxOpenFiles", 10000, 9990},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.MaxOpenFiles = tt.maxOpenFiles
			require.Equal(t, tt.expected, opts.FileCacheSize())
		})
	}
}

func TestLevelBudgets(t *testing.T) {
	opts := DefaultOptions()
	opts.MemtableSizeThreshold = 1 * MiB
	opts.LevelFileSizeMultiplier = 2
	opts.LevelSizeMultiplier = 10

	require.Equal(t, int64(1*MiB), opts.TargetFileSize(0))
	require.Equal(t, int64(2*MiB), opts.TargetFileSize(1))
	require.Equal(t, int64(8*MiB), opts.TargetFileSize(3))

	require.Zero(t, opts.LevelMaxBytes(0))
	require.Equal(t, int64(20*MiB), opts.LevelMaxBytes(1))
	require.Equal(t, int64(200*MiB), opts.LevelMaxBytes(2))
	require.Equal(t, int64(2000*MiB), opts.LevelMaxBytes(3))
	require.Zero(t, opts.LevelMaxBytes(opts.MaxLevels))
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		err    error
	}{
		{"valid", func(*Options) {}, nil},
		{"no path", func(o *Options) { o.Path = "" }, ErrInvalidPath},
		{"memtable", func(o *Options) { o.MemtableSizeThreshold = 0 }, ErrInvalidMemtableSizeThreshold},
		{"max memtables", func(o *Options) { o.MaxMemtables = 1 }, ErrInvalidMaxMemtables},
		{"level multiplier", func(o *Options) { o.LevelSizeMultiplier = 1 }, ErrInvalidLevelSizeMultiplier},
		{"file multiplier", func(o *Options) { o.LevelFileSizeMultiplier = 0.5 }, ErrInvalidLevelFileSizeMultiplier},
		{"levels", func(o *Options) { o.MaxLevels = 1 }, ErrInvalidMaxLevels},
		{"l0 trigger", func(o *Options) { o.Level0CompactionTrigger = 0 }, ErrInvalidL0CompactionTrigger},
		{"l0 stop", func(o *Options) { o.L0StopWritesTrigger = o.Level0CompactionTrigger }, ErrInvalidL0StopWritesTrigger},
		{"block size", func(o *Options) { o.BlockSize = 0 }, ErrInvalidBlockSize},
		{"restart interval", func(o *Options) { o.BlockRestartInterval = 0 }, ErrInvalidBlockRestartInterval},
		{"open files", func(o *Options) { o.MaxOpenFiles = 0 }, ErrInvalidMaxOpenFiles},
		{"codec", func(o *Options) { o.Codec = compression.Type(200) }, ErrCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Path = t.TempDir()
			tt.mutate(opts)
			err := opts.Validate()
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOptionsClone(t *testing.T) {
	opts := DefaultOptions()
	opts.Path = "/tmp/x"
	c := opts.Clone()
	c.Path = "/tmp/y"
	require.Equal(t, "/tmp/x", opts.Path)

	var nilOpts *Options
	require.Equal(t, DefaultMaxLevels, nilOpts.Clone().MaxLevels)
}
