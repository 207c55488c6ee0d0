package txkv

// env.go implements Env, the owner of the engine handle, the dispatcher and
// the registry of named databases.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/txkv/coder"
	"github.com/aalhour/txkv/internal/dispatch"
	"github.com/aalhour/txkv/internal/engine"
	boltengine "github.com/aalhour/txkv/internal/engine/bolt"
	pebbleengine "github.com/aalhour/txkv/internal/engine/pebble"
	"github.com/aalhour/txkv/internal/logging"
)

const version = "0.3.0"

// Version returns the txkv release.
func Version() string { return version }

// Env is an open store: one engine file or directory, the worker pool that
// runs its transactions and the registry of databases opened on it.
//
// An Env is safe for concurrent use.
type Env struct {
	path   string
	opts   Options
	logger Logger
	stats  Statistics
	eng    engine.Engine
	disp   *dispatch.Dispatcher

	mu     sync.Mutex
	stores map[string]struct{}

	defaultDB *Database[[]byte, []byte]

	// bgErr is the first fatal engine error. Once set, write transactions
	// are rejected.
	bgMu  sync.Mutex
	bgErr error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store at path. A nil opts uses DefaultOptions.
func Open(path string, opts *Options) (*Env, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := opts.withDefaults()

	env := &Env{
		path:   path,
		opts:   o,
		stats:  o.Statistics,
		stores: map[string]struct{}{engine.DefaultStore: {}},
	}
	env.logger = envLogger{Logger: o.Logger, env: env}
	if env.stats == nil {
		env.stats = nopStatistics{}
	}

	eng, err := openEngine(path, &o, env.logger)
	if err != nil {
		env.logger.Errorf("%sopen %s: %v", logging.NSEnv, path, err)
		return nil, translate(err)
	}
	env.eng = eng
	env.disp = dispatch.New(dispatch.Options{
		MaxWorkers: o.MaxWorkers,
		Logger:     env.logger,
		OnDispatch: func(_ dispatch.Kind, wait time.Duration) {
			env.stats.MeasureTime(HistogramQueueWaitMicros, uint64(wait.Microseconds()))
		},
	})
	env.defaultDB = newDatabase(env, engine.DefaultStore, coder.Identity, coder.Identity)

	env.logger.Infof("%sopened %s (backend=%s, workers=%d, readonly=%v)",
		logging.NSEnv, path, eng.Name(), env.disp.MaxWorkers(), o.ReadOnly)
	return env, nil
}

func openEngine(path string, o *Options, logger Logger) (engine.Engine, error) {
	switch o.Backend {
	case BackendPebble:
		po, cache := o.pebbleOptions()
		if cache != nil {
			// pebble holds its own reference once open.
			defer cache.Unref()
		}
		return pebbleengine.Open(path, pebbleengine.Options{
			Pebble: po,
			NoSync: o.NoSync,
			Logger: logger,
		})
	default:
		return boltengine.Open(path, boltengine.Options{
			Bolt:     o.boltOptions(),
			FileMode: o.FileMode,
			Logger:   logger,
		})
	}
}

// OpenDB returns a handle on the database called name, creating it if it
// does not exist. Opening the same name again shares the sub-store; each
// handle has its own coders. An empty name selects the default database.
// Creating the sub-store is a write transaction, so ctx can withdraw it
// while it waits behind other writers.
func OpenDB[K, V any](ctx context.Context, env *Env, name string, kc coder.Coder[K], vc coder.Coder[V]) (*Database[K, V], error) {
	if kc == nil || vc == nil {
		return nil, fmt.Errorf("%w: nil coder for database %q", ErrInvalidOptions, name)
	}
	if env.closed.Load() {
		return nil, ErrClosed
	}

	env.mu.Lock()
	_, known := env.stores[name]
	env.mu.Unlock()
	if known {
		return newDatabase(env, name, kc, vc), nil
	}

	_, err := dispatch.Do(ctx, env.disp, dispatch.Write, func() (struct{}, error) {
		return struct{}{}, env.eng.OpenStore(name)
	})
	if err != nil {
		return nil, env.engineErr(err)
	}

	env.mu.Lock()
	env.stores[name] = struct{}{}
	env.mu.Unlock()
	env.logger.Debugf("%sopened database %q", logging.NSDB, name)
	return newDatabase(env, name, kc, vc), nil
}

// OpenDefault binds coders to the default database.
func OpenDefault[K, V any](ctx context.Context, env *Env, kc coder.Coder[K], vc coder.Coder[V]) (*Database[K, V], error) {
	return OpenDB(ctx, env, engine.DefaultStore, kc, vc)
}

// DefaultDatabase returns the default database with identity coders.
func (e *Env) DefaultDatabase() *Database[[]byte, []byte] {
	return e.defaultDB
}

// Path returns the location the Env was opened at.
func (e *Env) Path() string { return e.path }

// Backend returns the storage engine in use.
func (e *Env) Backend() Backend { return e.opts.Backend }

// Statistics returns the configured Statistics, or nil.
func (e *Env) Statistics() Statistics { return e.opts.Statistics }

// Databases lists the named databases present in the store, sorted. The
// default database is not listed.
func (e *Env) Databases(ctx context.Context) ([]string, error) {
	names, err := e.do(ctx, func() (any, error) { return e.eng.Stores() })
	if err != nil {
		return nil, err
	}
	out, _ := names.([]string)
	sort.Strings(out)
	return out, nil
}

// Sync flushes buffered writes to disk. With force false the flush is
// skipped when commits are already synchronous.
func (e *Env) Sync(ctx context.Context, force bool) error {
	_, err := e.do(ctx, func() (any, error) { return nil, e.eng.Sync(force) })
	return err
}

// Copy writes a consistent copy of the store to path. For the bolt
// backend path is a file, for pebble a directory that must not exist.
func (e *Env) Copy(ctx context.Context, path string) error {
	_, err := e.do(ctx, func() (any, error) { return nil, e.eng.CopyFile(path) })
	if err == nil {
		e.logger.Infof("%scopied %s to %s", logging.NSEnv, e.path, path)
	}
	return err
}

// CopyTo streams a consistent copy of the store to w and returns the
// number of bytes written. The pebble backend returns ErrUnsupported.
func (e *Env) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	n, err := e.do(ctx, func() (any, error) { return e.eng.CopyTo(w) })
	written, _ := n.(int64)
	return written, err
}

// DispatcherStat describes worker pool activity.
type DispatcherStat struct {
	MaxWorkers   int
	ActiveReads  int64
	ActiveWrites int64
	PeakWriters  int64
	Queued       int64
	Cancelled    int64
	Abandoned    int64
	Completed    int64
}

// EnvStat describes an open Env.
type EnvStat struct {
	Backend   string
	Path      string
	PageSize  int
	Size      int64
	Databases int
	// OpenReadTxns is reported by the bolt backend only.
	OpenReadTxns int
	Dispatcher   DispatcherStat
}

// Stat reports engine and dispatcher statistics.
func (e *Env) Stat(ctx context.Context) (EnvStat, error) {
	v, err := e.do(ctx, func() (any, error) { return e.eng.Stat() })
	if err != nil {
		return EnvStat{}, err
	}
	st, _ := v.(engine.Stat)
	ds := e.disp.Stats()
	return EnvStat{
		Backend:      st.Backend,
		Path:         st.Path,
		PageSize:     st.PageSize,
		Size:         st.Size,
		Databases:    st.Stores,
		OpenReadTxns: st.OpenReadTxns,
		Dispatcher: DispatcherStat{
			MaxWorkers:   ds.MaxWorkers,
			ActiveReads:  ds.ActiveReads,
			ActiveWrites: ds.ActiveWrites,
			PeakWriters:  ds.PeakWriters,
			Queued:       ds.Queued,
			Cancelled:    ds.Cancelled,
			Abandoned:    ds.Abandoned,
			Completed:    ds.Completed,
		},
	}, nil
}

// Close waits for queued and running transactions and releases the
// engine. It is safe to call more than once; later operations return
// ErrClosed.
func (e *Env) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		_ = e.disp.Close()
		if err := e.eng.Close(); err != nil {
			e.closeErr = translate(err)
			e.logger.Errorf("%sclose %s: %v", logging.NSEnv, e.path, err)
			return
		}
		e.logger.Infof("%sclosed %s", logging.NSEnv, e.path)
	})
	return e.closeErr
}

// do runs engine-level work that needs no transaction on a read slot.
func (e *Env) do(ctx context.Context, fn func() (any, error)) (any, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	v, err := e.disp.Submit(ctx, dispatch.Read, fn).Wait(ctx)
	if err != nil {
		return nil, e.engineErr(err)
	}
	return v, nil
}

// engineErr reports fatal errors and maps err to the public sentinels.
func (e *Env) engineErr(err error) error {
	if errors.Is(err, engine.ErrFatal) {
		e.reportFatal(err)
	}
	return translate(err)
}

// admit rejects transactions the Env cannot run.
func (e *Env) admit(mode TxnMode) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if mode != WriteTxn {
		return nil
	}
	if e.opts.ReadOnly {
		return errReadOnly
	}
	if bg := e.backgroundError(); bg != nil {
		return fmt.Errorf("%w: %w", ErrEngineFatal, bg)
	}
	return nil
}

func (e *Env) setBackgroundError(err error) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.bgErr == nil {
		e.bgErr = err
	}
}

func (e *Env) backgroundError() error {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	return e.bgErr
}

// envLogger forwards to the configured logger. A FATAL line logged by any
// layer of this Env latches the Env's background error, so loggers shared
// between Envs never stop writes on the wrong one.
type envLogger struct {
	Logger
	env *Env
}

func (l envLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.Logger.Fatalf("%s", msg)
	l.env.setBackgroundError(fmt.Errorf("%w: %s", logging.ErrFatal, msg))
}

// reportFatal records a fatal engine error and logs it at FATAL level.
func (e *Env) reportFatal(err error) {
	e.setBackgroundError(err)
	e.stats.RecordTick(TickerFatalErrors, 1)
	e.logger.Fatalf("%s%s: %v", logging.NSEnv, e.path, err)
}
