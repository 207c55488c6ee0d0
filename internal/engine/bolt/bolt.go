// Package bolt implements the engine interface on go.etcd.io/bbolt, a
// single-writer, memory-mapped B+tree store.
//
// Each sub-store is a top-level bucket. The default store lives in a
// bucket whose name starts with a NUL byte, which user store names may
// not do. Values returned by Get point into the memory map and are valid
// until the transaction ends.
package bolt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/txkv/internal/engine"
	"github.com/aalhour/txkv/internal/logging"
)

// Backend is the name reported by Engine.Name.
const Backend = "bolt"

var defaultBucket = []byte("\x00default")

// Options configures the bolt backend.
type Options struct {
	// Bolt is passed to bbolt.Open uninterpreted. Nil uses bbolt defaults.
	Bolt *bolt.Options

	// FileMode is the permission used when creating the data file.
	// Zero selects 0600.
	FileMode os.FileMode

	Logger logging.Logger
}

// Engine is an open bbolt database.
type Engine struct {
	db     *bolt.DB
	path   string
	mode   os.FileMode
	noSync bool
	logger logging.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ engine.Engine = (*Engine)(nil)

// Open opens or creates the bbolt file at path.
func Open(path string, opts Options) (*Engine, error) {
	mode := opts.FileMode
	if mode == 0 {
		mode = 0o600
	}
	logger := logging.OrDefault(opts.Logger)

	db, err := bolt.Open(path, mode, opts.Bolt)
	if err != nil {
		return nil, classify(fmt.Errorf("bolt: open %s: %w", path, err))
	}
	e := &Engine{
		db:     db,
		path:   path,
		mode:   mode,
		noSync: db.NoSync,
		logger: logger,
	}
	if !db.IsReadOnly() {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(defaultBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, classify(fmt.Errorf("bolt: create default store: %w", err))
		}
	}
	logger.Infof("%sbolt opened %s (readonly=%v, nosync=%v)", logging.NSEngine, path, db.IsReadOnly(), db.NoSync)
	return e, nil
}

// DB returns the underlying bbolt handle.
func (e *Engine) DB() *bolt.DB { return e.db }

// Name implements engine.Engine.
func (e *Engine) Name() string { return Backend }

// Path implements engine.Engine.
func (e *Engine) Path() string { return e.path }

func bucketName(store string) []byte {
	if store == engine.DefaultStore {
		return defaultBucket
	}
	return []byte(store)
}

// OpenStore implements engine.Engine. On a read-only database the store
// must already exist.
func (e *Engine) OpenStore(name string) error {
	if err := engine.CheckStoreName(name); err != nil {
		return err
	}
	bn := bucketName(name)
	var exists bool
	err := e.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bn) != nil
		return nil
	})
	if err != nil {
		return classify(err)
	}
	if exists {
		return nil
	}
	if e.db.IsReadOnly() {
		return engine.Aborted(fmt.Errorf("%w: %q", engine.ErrStoreNotFound, name))
	}
	err = e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bn)
		return err
	})
	if err != nil {
		return classify(fmt.Errorf("bolt: create store %q: %w", name, err))
	}
	e.logger.Debugf("%sbolt created store %q", logging.NSEngine, name)
	return nil
}

// Stores implements engine.Engine.
func (e *Engine) Stores() ([]string, error) {
	var names []string
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if !bytes.Equal(name, defaultBucket) {
				names = append(names, string(name))
			}
			return nil
		})
	})
	return names, classify(err)
}

// Begin implements engine.Engine.
func (e *Engine) Begin(writable bool) (engine.Txn, error) {
	tx, err := e.db.Begin(writable)
	if err != nil {
		return nil, classify(err)
	}
	return &txn{tx: tx}, nil
}

// Sync implements engine.Engine. Commits are fsynced unless NoSync is
// set, so a non-forced sync is a no-op in that case.
func (e *Engine) Sync(force bool) error {
	if !force && !e.noSync {
		return nil
	}
	return classify(e.db.Sync())
}

// CopyTo implements engine.Engine.
func (e *Engine) CopyTo(w io.Writer) (int64, error) {
	var n int64
	err := e.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, classify(err)
}

// CopyFile implements engine.Engine.
func (e *Engine) CopyFile(path string) error {
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, e.mode)
	})
	return classify(err)
}

// Stat implements engine.Engine.
func (e *Engine) Stat() (engine.Stat, error) {
	st := engine.Stat{
		Backend:      Backend,
		Path:         e.path,
		PageSize:     e.db.Info().PageSize,
		OpenReadTxns: e.db.Stats().OpenTxN,
	}
	err := e.db.View(func(tx *bolt.Tx) error {
		st.Size = tx.Size()
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if !bytes.Equal(name, defaultBucket) {
				st.Stores++
			}
			return nil
		})
	})
	return st, classify(err)
}

// Close implements engine.Engine. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = classify(e.db.Close())
		e.logger.Infof("%sbolt closed %s", logging.NSEngine, e.path)
	})
	return e.closeErr
}

// classify sorts bbolt errors into aborted and fatal.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolt.ErrInvalid),
		errors.Is(err, bolt.ErrVersionMismatch),
		errors.Is(err, bolt.ErrChecksum),
		engine.IsDiskFull(err):
		return engine.Fatal(err)
	default:
		return engine.Aborted(err)
	}
}
