package txkv

// options.go implements environment configuration options.

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/cockroachdb/pebble"
	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/txkv/internal/compression"
	"github.com/aalhour/txkv/internal/logging"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// LogLevel is an alias for the logging level.
type LogLevel = logging.Level

// Log level constants
const (
	LogLevelError = logging.LevelError
	LogLevelWarn  = logging.LevelWarn
	LogLevelInfo  = logging.LevelInfo
	LogLevelDebug = logging.LevelDebug
)

// NewLogger returns a text logger writing to w.
func NewLogger(w io.Writer, level LogLevel) Logger {
	return logging.NewLogger(w, level)
}

// NewJSONLogger returns a zerolog logger writing one JSON object per line
// to w.
func NewJSONLogger(w io.Writer, level LogLevel) Logger {
	return logging.NewJSONLogger(w, level)
}

// DiscardLogger drops every message.
var DiscardLogger Logger = logging.Discard

// CompressionType is an alias for the compression type used by
// coder.Compression.
type CompressionType = compression.Type

// Compression type constants
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	LZ4HCCompression  = compression.LZ4HCCompression
	ZstdCompression   = compression.ZstdCompression
)

// DefaultCompressionLevel selects each algorithm's own default level when
// passed to coder.Compression.
const DefaultCompressionLevel = compression.DefaultLevel

// Backend selects the storage engine.
type Backend string

const (
	// BackendBolt stores everything in one bbolt file. Sub-stores are
	// buckets.
	BackendBolt Backend = "bolt"

	// BackendPebble stores everything in one pebble directory. Sub-stores
	// are key prefixes.
	BackendPebble Backend = "pebble"
)

// Options configures an Env.
type Options struct {
	// Backend selects the storage engine. Default: BackendBolt.
	Backend Backend

	// MaxWorkers bounds the number of engine transactions running at once.
	// Write transactions never use more than one worker between them.
	// Default: runtime.NumCPU().
	MaxWorkers int

	// FileMode is used when the bolt backend creates its file.
	// Default: 0600.
	FileMode os.FileMode

	// ReadOnly opens the store without write access. Write transactions
	// and OpenDB on a missing database fail with ErrTransactionAborted.
	ReadOnly bool

	// NoSync skips the fsync on commit. A crash may lose recent commits;
	// Env.Sync(ctx, true) flushes explicitly.
	NoSync bool

	// Bolt is passed to bbolt.Open. ReadOnly and NoSync above are applied
	// on top of a copy. Nil uses bbolt.DefaultOptions.
	Bolt *bolt.Options

	// Pebble is passed to pebble.Open. ReadOnly above is applied on top
	// of a copy. Nil uses pebble defaults.
	Pebble *pebble.Options

	// PebbleCacheSize, if positive and Pebble.Cache is unset, creates a
	// block cache of this many bytes owned by the Env.
	PebbleCacheSize int64

	// Logger receives diagnostics. Nil selects a WARN-level logger on
	// stderr.
	Logger Logger

	// Statistics, if set, collects transaction counters and latencies.
	// Env.Statistics returns it.
	Statistics Statistics
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		Backend:    BackendBolt,
		MaxWorkers: runtime.NumCPU(),
		FileMode:   0o600,
	}
}

// Validate reports unusable option values.
func (o *Options) Validate() error {
	backend := o.Backend
	if backend == "" {
		backend = BackendBolt
	}
	switch backend {
	case BackendBolt, BackendPebble:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidOptions, o.Backend)
	}
	if o.MaxWorkers < 0 {
		return fmt.Errorf("%w: MaxWorkers must not be negative, got %d", ErrInvalidOptions, o.MaxWorkers)
	}
	if o.PebbleCacheSize < 0 {
		return fmt.Errorf("%w: PebbleCacheSize must not be negative", ErrInvalidOptions)
	}
	if backend == BackendBolt && o.Pebble != nil {
		return fmt.Errorf("%w: pebble options given for the bolt backend", ErrInvalidOptions)
	}
	if backend == BackendPebble && o.Bolt != nil {
		return fmt.Errorf("%w: bolt options given for the pebble backend", ErrInvalidOptions)
	}
	return nil
}

// withDefaults returns a copy with zero values replaced by defaults.
func (o *Options) withDefaults() Options {
	out := *o
	def := DefaultOptions()
	if out.Backend == "" {
		out.Backend = def.Backend
	}
	if out.MaxWorkers == 0 {
		out.MaxWorkers = def.MaxWorkers
	}
	if out.FileMode == 0 {
		out.FileMode = def.FileMode
	}
	out.Logger = logging.OrDefault(out.Logger)
	return out
}

// boltOptions merges the generic flags into the bbolt options.
func (o *Options) boltOptions() *bolt.Options {
	var bo bolt.Options
	if o.Bolt != nil {
		bo = *o.Bolt
	} else {
		bo = *bolt.DefaultOptions
	}
	if o.ReadOnly {
		bo.ReadOnly = true
	}
	if o.NoSync {
		bo.NoSync = true
	}
	return &bo
}

// pebbleOptions merges the generic flags into the pebble options. The
// returned cache, if any, must be released after pebble.Open.
func (o *Options) pebbleOptions() (*pebble.Options, *pebble.Cache) {
	var po pebble.Options
	if o.Pebble != nil {
		po = *o.Pebble
	}
	if o.ReadOnly {
		po.ReadOnly = true
	}
	var cache *pebble.Cache
	if o.PebbleCacheSize > 0 && po.Cache == nil {
		cache = pebble.NewCache(o.PebbleCacheSize)
		po.Cache = cache
	}
	return &po, cache
}
