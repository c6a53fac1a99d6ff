package replidb

import (
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/twlk9/replidb/compression"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Default values following LevelDB conventions
var (
	DefaultMaxLevels                  = 7
	DefaultMaxOpenFiles               = 1000
	DefaultBlockCacheSize       int64 = 8 * MiB
	DefaultBlockSize                  = 4 * KiB
	DefaultBlockRestartInterval       = 16
	DefaultPollInterval               = time.Second

	// File descriptor management, following Pebble's approach
	NumReservedFiles = 10 // manifest, CURRENT, temp files
	MinFileCacheSize = 64 // minimum cached tables regardless of MaxOpenFiles
)

// Options holds configuration for a readonly database.
// Follows LevelDB's design philosophy of keeping things simple.
type Options struct {
	// Path to the database directory produced by the writer process
	Path string `yaml:"path"`

	// Maximum number of levels in the LSM tree.
	// LevelDB default: 7 levels (L0 through L6)
	MaxLevels int `yaml:"max_levels"`

	// Maximum number of open file descriptors. The table cache size is
	// MaxOpenFiles minus NumReservedFiles, floored at MinFileCacheSize.
	MaxOpenFiles int `yaml:"max_open_files"`

	// BlockCacheSize is the total capacity of the block cache in bytes.
	// Zero disables the cache.
	BlockCacheSize int64 `yaml:"block_cache_size"`

	// VerifyChecksums enables CRC verification of every block read and
	// every manifest record.
	VerifyChecksums bool `yaml:"verify_checksums"`

	// PollInterval is how often follow-mode tooling re-reads the
	// manifest tail. The engine itself only reloads on demand.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Structured logger
	Logger *slog.Logger `yaml:"-"`

	// Metrics receives engine counters when non-nil. See NewMetrics.
	Metrics *Metrics `yaml:"-"`
}

// DefaultOptions returns a new Options struct with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		MaxLevels:      DefaultMaxLevels,
		MaxOpenFiles:   DefaultMaxOpenFiles,
		BlockCacheSize: DefaultBlockCacheSize,
		PollInterval:   DefaultPollInterval,
		Logger:         DefaultLogger(),
	}
}

// LoadOptions reads options from a YAML file, filling unset fields with
// defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks if the options are valid and returns an error if not.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.MaxLevels <= 0 || o.MaxLevels > 20 {
		return ErrInvalidMaxLevels
	}
	if o.MaxOpenFiles <= 0 {
		return ErrInvalidMaxOpenFiles
	}
	if o.BlockCacheSize < 0 {
		return ErrInvalidBlockCacheSize
	}
	return nil
}

// Clone creates a copy of the options.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// FileCacheSize calculates the table cache size from the open file
// budget, reserving descriptors for non-table files.
func FileCacheSize(maxOpenFiles int) int {
	return max(maxOpenFiles-NumReservedFiles, MinFileCacheSize)
}

// GetFileCacheSize returns the calculated table cache size for these
// options.
func (o *Options) GetFileCacheSize() int {
	return FileCacheSize(o.MaxOpenFiles)
}

// ReadOptions control a single read operation.
type ReadOptions struct {
	// Snapshot pins the read to an explicit sequence number. Nil reads
	// the latest state.
	Snapshot *Snapshot

	// VerifyChecksums forces CRC verification of every block this read
	// touches, even when the engine-wide setting is off.
	VerifyChecksums bool
}

// DefaultReadOptions returns read options for a latest-state read.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{}
}

// WriterOptions configure image-building tools. The engine never
// writes; these exist for the table and manifest writers that tests and
// tooling use to produce database images.
type WriterOptions struct {
	Compression          compression.Config
	BlockSize            int
	BlockRestartInterval int
	BlockMinEntries      int
}

// Validate checks writer settings.
func (o *WriterOptions) Validate() error {
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	if o.BlockRestartInterval <= 0 {
		return ErrInvalidBlockRestartInterval
	}
	return nil
}

// DefaultWriterOptions returns writer settings matching the defaults a
// producer process would use.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		Compression:          compression.DefaultConfig(),
		BlockSize:            DefaultBlockSize,
		BlockRestartInterval: DefaultBlockRestartInterval,
		BlockMinEntries:      4,
	}
}

// Helpful Logger functions
func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
