package txkv

// options_file.go implements YAML options file persistence.
//
// Format:
//
//	backend: bolt
//	max_workers: 8
//	file_mode: "0600"
//	read_only: false
//	no_sync: false
//	log_level: info
//	log_format: text
//	bolt:
//	  initial_mmap_size: 1048576
//	  timeout: 1s
//	pebble:
//	  cache_size: 67108864
//	  memtable_size: 33554432

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/aalhour/txkv/internal/logging"
)

// optionsFile is the on-disk shape of Options.
type optionsFile struct {
	Backend    string `yaml:"backend,omitempty"`
	MaxWorkers int    `yaml:"max_workers,omitempty"`
	FileMode   string `yaml:"file_mode,omitempty"`
	ReadOnly   bool   `yaml:"read_only,omitempty"`
	NoSync     bool   `yaml:"no_sync,omitempty"`
	LogLevel   string `yaml:"log_level,omitempty"`
	LogFormat  string `yaml:"log_format,omitempty"`

	Bolt   *boltSection   `yaml:"bolt,omitempty"`
	Pebble *pebbleSection `yaml:"pebble,omitempty"`
}

type boltSection struct {
	InitialMmapSize int           `yaml:"initial_mmap_size,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
}

type pebbleSection struct {
	CacheSize    int64  `yaml:"cache_size,omitempty"`
	MemTableSize uint64 `yaml:"memtable_size,omitempty"`
}

// LoadOptionsFile reads Options from a YAML file. Fields absent from the
// file keep their DefaultOptions values.
func LoadOptionsFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("txkv: read options file: %w", err)
	}
	opts, err := ParseOptions(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

// ParseOptions decodes Options from YAML.
func ParseOptions(data []byte) (*Options, error) {
	var f optionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	opts := DefaultOptions()
	if f.Backend != "" {
		opts.Backend = Backend(f.Backend)
	}
	if f.MaxWorkers != 0 {
		opts.MaxWorkers = f.MaxWorkers
	}
	if f.FileMode != "" {
		mode, err := strconv.ParseUint(f.FileMode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: file_mode %q: %w", ErrInvalidOptions, f.FileMode, err)
		}
		opts.FileMode = os.FileMode(mode)
	}
	opts.ReadOnly = f.ReadOnly
	opts.NoSync = f.NoSync

	if f.LogLevel != "" || f.LogFormat != "" {
		level := logging.LevelWarn
		if f.LogLevel != "" {
			var err error
			if level, err = logging.ParseLevel(f.LogLevel); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
			}
		}
		switch f.LogFormat {
		case "", "text":
			opts.Logger = logging.NewDefaultLogger(level)
		case "json":
			opts.Logger = logging.NewJSONLogger(os.Stderr, level)
		default:
			return nil, fmt.Errorf("%w: log_format %q", ErrInvalidOptions, f.LogFormat)
		}
	}

	if f.Bolt != nil {
		bo := *bolt.DefaultOptions
		bo.InitialMmapSize = f.Bolt.InitialMmapSize
		bo.Timeout = f.Bolt.Timeout
		opts.Bolt = &bo
	}
	if f.Pebble != nil {
		opts.PebbleCacheSize = f.Pebble.CacheSize
		if f.Pebble.MemTableSize != 0 {
			opts.Pebble = &pebble.Options{MemTableSize: f.Pebble.MemTableSize}
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// WriteOptionsFile writes the file-representable subset of opts to path.
// Loggers other than the built-in ones and engine options not listed in
// the format are not persisted.
func WriteOptionsFile(path string, opts *Options) error {
	data, err := MarshalOptions(opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("txkv: write options file: %w", err)
	}
	return nil
}

// MarshalOptions encodes the file-representable subset of opts as YAML.
func MarshalOptions(opts *Options) ([]byte, error) {
	f := optionsFile{
		Backend:    string(opts.Backend),
		MaxWorkers: opts.MaxWorkers,
		ReadOnly:   opts.ReadOnly,
		NoSync:     opts.NoSync,
	}
	if opts.FileMode != 0 {
		f.FileMode = fmt.Sprintf("%04o", uint32(opts.FileMode.Perm()))
	}
	switch l := opts.Logger.(type) {
	case *logging.DefaultLogger:
		f.LogLevel = l.Level().String()
		f.LogFormat = "text"
	case *logging.ZerologLogger:
		f.LogLevel = l.Level().String()
		f.LogFormat = "json"
	}
	if opts.Bolt != nil {
		f.Bolt = &boltSection{
			InitialMmapSize: opts.Bolt.InitialMmapSize,
			Timeout:         opts.Bolt.Timeout,
		}
	}
	if opts.Pebble != nil || opts.PebbleCacheSize > 0 {
		f.Pebble = &pebbleSection{CacheSize: opts.PebbleCacheSize}
		if opts.Pebble != nil {
			f.Pebble.MemTableSize = opts.Pebble.MemTableSize
		}
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("txkv: encode options: %w", err)
	}
	return data, nil
}
