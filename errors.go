package txkv

// errors.go defines the error sentinels returned by the public API.

import (
	"errors"
	"fmt"

	"github.com/aalhour/txkv/coder"
	"github.com/aalhour/txkv/internal/dispatch"
	"github.com/aalhour/txkv/internal/engine"
)

var (
	// ErrEncoding is matched by every coder failure. The concrete error is
	// a *coder.Error naming the coder and the direction.
	ErrEncoding = coder.ErrEncoding

	// ErrKeyNotFound is returned when a key is absent.
	ErrKeyNotFound = errors.New("txkv: key not found")

	// ErrTransactionAborted is returned when the engine rejected or rolled
	// back a transaction. The environment stays usable.
	ErrTransactionAborted = errors.New("txkv: transaction aborted")

	// ErrEngineFatal is returned for corruption, version mismatch, checksum
	// failure or a full disk. The environment stops admitting writes.
	ErrEngineFatal = errors.New("txkv: engine fatal error")

	// ErrClosed is returned for operations on a closed environment.
	ErrClosed = errors.New("txkv: environment is closed")

	// ErrTxnDone is returned when a Txn is used outside its callback.
	ErrTxnDone = errors.New("txkv: transaction is no longer active")

	// ErrReadOnlyTxn is returned for writes through a read transaction. It
	// also matches ErrTransactionAborted.
	ErrReadOnlyTxn = errors.New("txkv: write in a read-only transaction")

	// ErrViewExpired is returned when a View is read after its Txn ended.
	ErrViewExpired = errors.New("txkv: view outlived its transaction")

	// ErrInvalidName is returned by OpenDB for names the backend reserves.
	ErrInvalidName = errors.New("txkv: invalid database name")

	// ErrInvalidOptions is returned by Open for unusable options.
	ErrInvalidOptions = errors.New("txkv: invalid options")

	// ErrUnsupported is returned when the backend cannot perform an operation.
	ErrUnsupported = errors.New("txkv: operation not supported by backend")
)

// errReadOnly is what write operations on a read Txn return.
var errReadOnly = fmt.Errorf("%w: %w", ErrTransactionAborted, ErrReadOnlyTxn)

// translate maps engine and dispatcher errors onto the public sentinels,
// keeping the original cause in the chain. Other errors pass unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrNotFound):
		return ErrKeyNotFound
	case errors.Is(err, engine.ErrFatal):
		return fmt.Errorf("%w: %w", ErrEngineFatal, err)
	case errors.Is(err, engine.ErrUnsupported):
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	case errors.Is(err, engine.ErrInvalidStoreName):
		return fmt.Errorf("%w: %w", ErrInvalidName, err)
	case errors.Is(err, engine.ErrReadOnly):
		return errReadOnly
	case errors.Is(err, engine.ErrAborted):
		return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	case errors.Is(err, dispatch.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}
