// Package engine defines the narrow interface txkv uses to talk to an
// embedded, transactional key-value store.
//
// An engine hosts named sub-stores inside one file or directory. A Txn is
// bound to one goroutine from Begin until Commit or Abort. Values returned
// by Txn.Get may point into engine-owned memory and are valid only until
// the Txn ends.
//
// Backends classify every error they return as ErrAborted (the transaction
// was rejected or rolled back, the store is still usable) or ErrFatal
// (corruption, version mismatch, disk full). The original cause stays in
// the chain.
package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
)

// DefaultStore names the nameless root store.
const DefaultStore = ""

var (
	// ErrNotFound is returned by Txn.Get for a missing key.
	ErrNotFound = errors.New("engine: key not found")

	// ErrAborted classifies errors after which the transaction is rolled back.
	ErrAborted = errors.New("engine: transaction aborted")

	// ErrFatal classifies errors that leave the engine unusable.
	ErrFatal = errors.New("engine: fatal error")

	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("engine: operation not supported")

	// ErrKeyRequired is returned for empty keys.
	ErrKeyRequired = errors.New("engine: key required")

	// ErrStoreNotFound is returned when a sub-store was never opened.
	ErrStoreNotFound = errors.New("engine: store not found")

	// ErrInvalidStoreName is returned for names reserved by the backend.
	ErrInvalidStoreName = errors.New("engine: invalid store name")

	// ErrReadOnly is returned for writes through a read transaction.
	ErrReadOnly = errors.New("engine: transaction is read-only")
)

// Engine is an open store.
type Engine interface {
	// Name identifies the backend ("bolt", "pebble").
	Name() string

	// Path returns the location the engine was opened at.
	Path() string

	// OpenStore makes sure the named sub-store exists, creating it if needed.
	OpenStore(name string) error

	// Stores lists the named sub-stores, excluding DefaultStore.
	Stores() ([]string, error)

	// Begin starts a transaction.
	Begin(writable bool) (Txn, error)

	// Sync flushes buffered writes to disk. With force false a backend may
	// skip the flush when its commits are already durable.
	Sync(force bool) error

	// CopyTo writes a consistent copy of the store to w.
	CopyTo(w io.Writer) (int64, error)

	// CopyFile writes a consistent copy of the store to path.
	CopyFile(path string) error

	// Stat reports engine-level statistics.
	Stat() (Stat, error)

	// Close releases the engine. Open transactions must be finished first.
	Close() error
}

// Txn is a single engine transaction.
type Txn interface {
	Writable() bool

	// Get returns the value stored under key or ErrNotFound.
	Get(store string, key []byte) ([]byte, error)

	Put(store string, key, value []byte) error

	// Delete removes key and reports whether it existed.
	Delete(store string, key []byte) (bool, error)

	// Drop removes every key of the store. The store itself stays open.
	Drop(store string) error

	StoreStat(store string) (StoreStat, error)

	Commit() error
	Abort() error

	// Raw returns the backend's native transaction handle.
	Raw() any
}

// Stat describes an open engine.
type Stat struct {
	Backend  string
	Path     string
	PageSize int
	// Size is the on-disk size in bytes.
	Size   int64
	Stores int
	// OpenReadTxns counts read transactions currently open, where known.
	OpenReadTxns int
}

// StoreStat describes one sub-store. Page counts are zero for backends
// that are not page based.
type StoreStat struct {
	Entries       int64
	Depth         int
	PageSize      int
	BranchPages   int
	LeafPages     int
	OverflowPages int
}

// CheckKey rejects keys every backend must refuse.
func CheckKey(key []byte) error {
	if len(key) == 0 {
		return Aborted(ErrKeyRequired)
	}
	return nil
}

// CheckStoreName rejects names that collide with backend-reserved names.
func CheckStoreName(name string) error {
	if strings.HasPrefix(name, "\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}

// Aborted classifies err as ErrAborted. Nil stays nil and already
// classified errors pass through.
func Aborted(err error) error {
	if err == nil || errors.Is(err, ErrAborted) || errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

// Fatal classifies err as ErrFatal.
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsDiskFull reports whether err stems from a full disk.
func IsDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
