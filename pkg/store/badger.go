package store

import (
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Resource profiles for opened collections.
const (
	ProfileDefault = "Default"
	ProfileLowMem  = "Low-Mem"
)

// Config holds the configuration for one BadgerDB collection.
type Config struct {
	// DataDir is the directory where BadgerDB will store its data.
	DataDir string

	// InMemory enables in-memory mode (useful for testing).
	InMemory bool

	// BlockCacheSize is the size of the block cache in bytes.
	BlockCacheSize int64

	// IndexCacheSize is the size of the index cache in bytes.
	IndexCacheSize int64

	// Compression enables ZSTD block compression on top of the s2
	// compressed documents.
	Compression bool

	// SyncWrites enables synchronous writes. Run state and manifests rely
	// on this to survive a crash between stages.
	SyncWrites bool

	// MemTableSize is the size of the memtable in bytes.
	MemTableSize int64

	// NumMemtables is the maximum number of memtables waiting to be flushed.
	NumMemtables int

	// Profile specifies the resource profile (ProfileDefault, ProfileLowMem).
	Profile string

	// ReadOnly enables read-only mode.
	ReadOnly bool

	// BypassLockGuard allows a second process to open the directory.
	BypassLockGuard bool

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.DataDir == "" && !c.InMemory {
		return fmt.Errorf("DataDir must be specified when InMemory is false")
	}
	if c.BlockCacheSize <= 0 {
		return fmt.Errorf("BlockCacheSize must be positive, got %d", c.BlockCacheSize)
	}
	if c.IndexCacheSize <= 0 {
		return fmt.Errorf("IndexCacheSize must be positive, got %d", c.IndexCacheSize)
	}
	if c.MemTableSize < 0 {
		return fmt.Errorf("MemTableSize must be non-negative, got %d", c.MemTableSize)
	}
	return nil
}

// DefaultConfig returns a configuration sized for weekly batches of a few
// thousand rows.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		BlockCacheSize: 64 << 20,
		IndexCacheSize: 32 << 20,
		Compression:    true,
		SyncWrites:     true,
		MemTableSize:   16 << 20,
		Profile:        ProfileDefault,
	}
}

// buildBadgerOptions converts Config to badger.Options based on Profile.
func buildBadgerOptions(cfg *Config) badger.Options {
	opts := badger.DefaultOptions(cfg.DataDir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Run locks rely on optimistic transaction conflicts.
	opts.DetectConflicts = true
	opts.BypassLockGuard = cfg.BypassLockGuard
	opts.BloomFalsePositive = 0.01
	opts.ReadOnly = cfg.ReadOnly && !cfg.InMemory
	opts.SyncWrites = cfg.SyncWrites && !cfg.InMemory

	if cfg.Compression {
		opts.Compression = options.ZSTD
	} else {
		opts.Compression = options.None
	}

	switch cfg.Profile {
	case ProfileLowMem:
		opts.ValueLogFileSize = 16 << 20
		opts.NumCompactors = 2
		opts.NumMemtables = 2
		opts.MemTableSize = 4 << 20
	default:
		opts.ValueLogFileSize = 64 << 20
		opts.NumCompactors = 2
	}

	opts.BlockCacheSize = cfg.BlockCacheSize
	opts.IndexCacheSize = cfg.IndexCacheSize
	if cfg.MemTableSize > 0 && cfg.Profile != ProfileLowMem {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.NumMemtables > 0 {
		opts.NumMemtables = cfg.NumMemtables
	}

	opts.Logger = nil
	if cfg.Logger != nil {
		opts.Logger = slogAdapter{cfg.Logger.With("component", "badger")}
	}
	return opts
}

// OpenBadgerDB opens a BadgerDB instance with the given configuration.
func OpenBadgerDB(cfg *Config) (*badger.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return badger.Open(buildBadgerOptions(cfg))
}

// slogAdapter routes badger's printf-style logger into slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Errorf(f string, v ...any)   { a.l.Error(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Warningf(f string, v ...any) { a.l.Warn(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Infof(f string, v ...any)    { a.l.Debug(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Debugf(f string, v ...any)   { a.l.Debug(fmt.Sprintf(f, v...)) }
