// Package pebble implements the engine interface on cockroachdb/pebble,
// an LSM key-value store.
//
// Sub-stores share one key space. A data key is the byte 0x01, the
// varint-length-prefixed store name, then the user key, so every store
// occupies a contiguous range that Drop can delete in one operation. The
// set of opened stores is recorded under keys starting with 0x02.
//
// Read transactions run on a pebble.Snapshot. Write transactions run on an
// indexed pebble.Batch so they observe their own writes before Commit.
package pebble

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/aalhour/txkv/internal/encoding"
	"github.com/aalhour/txkv/internal/engine"
	"github.com/aalhour/txkv/internal/logging"
)

// Backend is the name reported by Engine.Name.
const Backend = "pebble"

const (
	dataPrefix  byte = 0x01
	storePrefix byte = 0x02
)

// Options configures the pebble backend.
type Options struct {
	// Pebble is passed to pebble.Open. Nil uses pebble defaults. A nil
	// Logger inside it is replaced with one that forwards to Logger.
	Pebble *pebble.Options

	// NoSync commits without waiting for the WAL to reach disk.
	NoSync bool

	Logger logging.Logger
}

// Engine is an open pebble database.
type Engine struct {
	db     *pebble.DB
	path   string
	wo     *pebble.WriteOptions
	logger logging.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ engine.Engine = (*Engine)(nil)

// Open opens or creates the pebble directory at path.
func Open(path string, opts Options) (*Engine, error) {
	logger := logging.OrDefault(opts.Logger)

	var po pebble.Options
	if opts.Pebble != nil {
		po = *opts.Pebble
	}
	if po.Logger == nil {
		po.Logger = &pebbleLogger{logger: logger}
	}

	db, err := pebble.Open(path, &po)
	if err != nil {
		return nil, classify(fmt.Errorf("pebble: open %s: %w", path, err))
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	logger.Infof("%spebble opened %s (readonly=%v, nosync=%v)", logging.NSEngine, path, po.ReadOnly, opts.NoSync)
	return &Engine{db: db, path: path, wo: wo, logger: logger}, nil
}

// DB returns the underlying pebble handle.
func (e *Engine) DB() *pebble.DB { return e.db }

// Name implements engine.Engine.
func (e *Engine) Name() string { return Backend }

// Path implements engine.Engine.
func (e *Engine) Path() string { return e.path }

// storeKeyPrefix returns the prefix shared by all data keys of store.
func storeKeyPrefix(store string) []byte {
	p := make([]byte, 0, 1+encoding.MaxVarint32Length+len(store))
	p = append(p, dataPrefix)
	return encoding.AppendLengthPrefixedSlice(p, []byte(store))
}

func dataKey(store string, key []byte) []byte {
	return append(storeKeyPrefix(store), key...)
}

func storeMarker(name string) []byte {
	return encoding.AppendLengthPrefixedSlice([]byte{storePrefix}, []byte(name))
}

// parseStoreMarker returns the store name held in a marker key.
func parseStoreMarker(key []byte) (string, error) {
	name, n, err := encoding.DecodeLengthPrefixedSlice(key[1:])
	if err == nil && n != len(key)-1 {
		err = fmt.Errorf("%d trailing bytes", len(key)-1-n)
	}
	if err != nil {
		return "", engine.Fatal(fmt.Errorf("pebble: malformed store marker %x: %w", key, err))
	}
	return string(name), nil
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// OpenStore implements engine.Engine. On a read-only database the store
// must already exist.
func (e *Engine) OpenStore(name string) error {
	if err := engine.CheckStoreName(name); err != nil {
		return err
	}
	if name == engine.DefaultStore {
		return nil
	}
	marker := storeMarker(name)
	_, closer, err := e.db.Get(marker)
	if err == nil {
		return closer.Close()
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return classify(err)
	}
	if err := e.db.Set(marker, nil, e.wo); err != nil {
		if errors.Is(err, pebble.ErrReadOnly) {
			return engine.Aborted(fmt.Errorf("%w: %q", engine.ErrStoreNotFound, name))
		}
		return classify(fmt.Errorf("pebble: create store %q: %w", name, err))
	}
	e.logger.Debugf("%spebble created store %q", logging.NSEngine, name)
	return nil
}

// Stores implements engine.Engine.
func (e *Engine) Stores() ([]string, error) {
	lower := []byte{storePrefix}
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return nil, classify(err)
	}
	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		name, err := parseStoreMarker(iter.Key())
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		names = append(names, name)
	}
	if err := iter.Close(); err != nil {
		return nil, classify(err)
	}
	return names, nil
}

// Begin implements engine.Engine.
func (e *Engine) Begin(writable bool) (engine.Txn, error) {
	if writable {
		return &writeTxn{e: e, batch: e.db.NewIndexedBatch()}, nil
	}
	return &readTxn{snap: e.db.NewSnapshot()}, nil
}

// Sync implements engine.Engine. Commits are written with pebble.Sync
// unless NoSync is set; a forced sync also flushes the memtable.
func (e *Engine) Sync(force bool) error {
	if !force && e.wo == pebble.Sync {
		return nil
	}
	return classify(e.db.Flush())
}

// CopyTo implements engine.Engine. A pebble store is a directory of files
// and has no single-stream form; use CopyFile.
func (e *Engine) CopyTo(io.Writer) (int64, error) {
	return 0, fmt.Errorf("%w: pebble cannot stream a copy", engine.ErrUnsupported)
}

// CopyFile implements engine.Engine by writing a checkpoint directory.
func (e *Engine) CopyFile(path string) error {
	return classify(e.db.Checkpoint(path))
}

// Stat implements engine.Engine.
func (e *Engine) Stat() (engine.Stat, error) {
	stores, err := e.Stores()
	if err != nil {
		return engine.Stat{}, err
	}
	return engine.Stat{
		Backend: Backend,
		Path:    e.path,
		Size:    int64(e.db.Metrics().DiskSpaceUsage()),
		Stores:  len(stores),
	}, nil
}

// Close implements engine.Engine. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = classify(e.db.Close())
		e.logger.Infof("%spebble closed %s", logging.NSEngine, e.path)
	})
	return e.closeErr
}

// classify sorts pebble errors into aborted and fatal.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pebble.ErrCorruption), engine.IsDiskFull(err):
		return engine.Fatal(err)
	default:
		return engine.Aborted(err)
	}
}

// pebbleLogger forwards pebble's internal logging. pebble expects Fatalf
// not to return.
type pebbleLogger struct {
	logger logging.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.logger.Debugf(logging.NSEngine+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.logger.Errorf(logging.NSEngine+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Fatalf("%s%s", logging.NSEngine, msg)
	panic(msg)
}
