package txkv

// database.go implements Database, a typed handle on a named sub-store, and
// the transaction runner behind all of its operations.

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/aalhour/txkv/coder"
	"github.com/aalhour/txkv/internal/dispatch"
	"github.com/aalhour/txkv/internal/engine"
	"github.com/aalhour/txkv/internal/logging"
)

// TxnMode selects a read or a write transaction.
type TxnMode uint8

const (
	// ReadTxn runs concurrently with other transactions on a snapshot.
	ReadTxn TxnMode = iota
	// WriteTxn runs alone among writers and commits on success.
	WriteTxn
)

func (m TxnMode) kind() dispatch.Kind {
	if m == WriteTxn {
		return dispatch.Write
	}
	return dispatch.Read
}

// DBStat describes one database.
type DBStat struct {
	// Name is the database name. Empty for the default database.
	Name    string
	Entries int64
	// Depth and the page counts are zero for backends that are not page
	// based.
	Depth         int
	PageSize      int
	BranchPages   int
	LeafPages     int
	OverflowPages int
}

func newDBStat(name string, st engine.StoreStat) DBStat {
	return DBStat{
		Name:          name,
		Entries:       st.Entries,
		Depth:         st.Depth,
		PageSize:      st.PageSize,
		BranchPages:   st.BranchPages,
		LeafPages:     st.LeafPages,
		OverflowPages: st.OverflowPages,
	}
}

type coderPair[K, V any] struct {
	key   coder.Coder[K]
	value coder.Coder[V]
}

// Database binds a named sub-store to a key coder and a value coder.
//
// A Database is safe for concurrent use. Every operation captures the
// coders at the moment it is submitted; SetKeyCoder and SetValueCoder only
// affect operations submitted afterwards.
type Database[K, V any] struct {
	env    *Env
	name   string
	coders atomic.Pointer[coderPair[K, V]]
}

func newDatabase[K, V any](env *Env, name string, kc coder.Coder[K], vc coder.Coder[V]) *Database[K, V] {
	db := &Database[K, V]{env: env, name: name}
	db.coders.Store(&coderPair[K, V]{key: kc, value: vc})
	return db
}

// Name returns the database name. The default database has an empty name.
func (db *Database[K, V]) Name() string { return db.name }

// Env returns the environment the database belongs to.
func (db *Database[K, V]) Env() *Env { return db.env }

// KeyCoder returns the current key coder.
func (db *Database[K, V]) KeyCoder() coder.Coder[K] { return db.coders.Load().key }

// ValueCoder returns the current value coder.
func (db *Database[K, V]) ValueCoder() coder.Coder[V] { return db.coders.Load().value }

// SetKeyCoder replaces the key coder for operations submitted afterwards.
func (db *Database[K, V]) SetKeyCoder(c coder.Coder[K]) {
	for {
		old := db.coders.Load()
		if db.coders.CompareAndSwap(old, &coderPair[K, V]{key: c, value: old.value}) {
			return
		}
	}
}

// SetValueCoder replaces the value coder for operations submitted
// afterwards.
func (db *Database[K, V]) SetValueCoder(c coder.Coder[V]) {
	for {
		old := db.coders.Load()
		if db.coders.CompareAndSwap(old, &coderPair[K, V]{key: old.key, value: c}) {
			return
		}
	}
}

// WithCoders returns a new handle on the same sub-store with other coders.
// The receiver is not changed.
func (db *Database[K, V]) WithCoders(kc coder.Coder[K], vc coder.Coder[V]) *Database[K, V] {
	return newDatabase(db.env, db.name, kc, vc)
}

// Run executes fn inside one transaction on db and returns its result.
//
// A write transaction commits when fn returns nil and no method of the Txn
// failed; otherwise it aborts and Run returns the error. If ctx ends while
// the transaction is still queued it never runs. If ctx ends after it
// started, Run returns ctx.Err() at once and the transaction finishes in
// the background.
func Run[K, V, T any](ctx context.Context, db *Database[K, V], mode TxnMode, fn func(*Txn[K, V]) (T, error)) (T, error) {
	return runTxn(ctx, db.env, db.name, db.coders.Load(), mode, fn)
}

func runTxn[K, V, T any](ctx context.Context, env *Env, store string, c *coderPair[K, V], mode TxnMode, fn func(*Txn[K, V]) (T, error)) (T, error) {
	var zero T
	if err := env.admit(mode); err != nil {
		return zero, err
	}
	v, err := dispatch.Do(ctx, env.disp, mode.kind(), func() (T, error) {
		return execTxn(env, store, c, mode, fn)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			env.stats.RecordTick(TickerCancelled, 1)
		}
		if errors.Is(err, dispatch.ErrClosed) {
			err = ErrClosed
		}
		return zero, err
	}
	return v, nil
}

// execTxn runs on a dispatcher worker.
func execTxn[K, V, T any](env *Env, store string, c *coderPair[K, V], mode TxnMode, fn func(*Txn[K, V]) (T, error)) (result T, err error) {
	var zero T
	writable := mode == WriteTxn
	start := time.Now()

	core := &txnCore{env: env}
	etx, err := env.eng.Begin(writable)
	if err != nil {
		return zero, core.fail(err)
	}
	core.etx = etx
	core.state.Store(uint32(txnActive))

	hist := HistogramReadTxnMicros
	if writable {
		hist = HistogramWriteTxnMicros
		env.stats.RecordTick(TickerWriteTxns, 1)
	} else {
		env.stats.RecordTick(TickerReadTxns, 1)
	}
	defer func() {
		// Reached with the Txn still active only when fn panicked.
		if core.active() {
			core.abort()
			if writable {
				env.stats.RecordTick(TickerAborts, 1)
			}
		}
		env.stats.MeasureTime(hist, uint64(time.Since(start).Microseconds()))
	}()

	txn := &Txn[K, V]{core: core, store: store, kc: c.key, vc: c.value}
	result, err = fn(txn)
	if err == nil {
		err = core.failed
	}
	if err != nil {
		core.abort()
		if writable {
			env.stats.RecordTick(TickerAborts, 1)
			env.logger.Debugf("%s%q write aborted: %v", logging.NSTxn, store, err)
		}
		return zero, err
	}
	if err := core.commit(); err != nil {
		if writable {
			env.stats.RecordTick(TickerAborts, 1)
		}
		env.logger.Warnf("%s%q commit failed: %v", logging.NSTxn, store, err)
		return zero, err
	}
	if writable {
		env.stats.RecordTick(TickerCommits, 1)
	}
	return result, nil
}

// View runs fn in a read transaction.
func (db *Database[K, V]) View(ctx context.Context, fn func(*Txn[K, V]) error) error {
	_, err := Run(ctx, db, ReadTxn, func(t *Txn[K, V]) (struct{}, error) {
		return struct{}{}, fn(t)
	})
	return err
}

// Update runs fn in a write transaction and commits if fn returns nil.
func (db *Database[K, V]) Update(ctx context.Context, fn func(*Txn[K, V]) error) error {
	_, err := Run(ctx, db, WriteTxn, func(t *Txn[K, V]) (struct{}, error) {
		return struct{}{}, fn(t)
	})
	return err
}

// Get returns the value stored under k, or ErrKeyNotFound.
func (db *Database[K, V]) Get(ctx context.Context, k K) (V, error) {
	return Run(ctx, db, ReadTxn, func(t *Txn[K, V]) (V, error) {
		return t.Get(k)
	})
}

// GetOr returns the value stored under k, or def if k is absent.
func (db *Database[K, V]) GetOr(ctx context.Context, k K, def V) (V, error) {
	return Run(ctx, db, ReadTxn, func(t *Txn[K, V]) (V, error) {
		v, err := t.Get(k)
		if errors.Is(err, ErrKeyNotFound) {
			return def, nil
		}
		return v, err
	})
}

// GetMulti looks up every key in one read transaction. Results are in
// input order.
func (db *Database[K, V]) GetMulti(ctx context.Context, ks []K) ([]Result[K, V], error) {
	return Run(ctx, db, ReadTxn, func(t *Txn[K, V]) ([]Result[K, V], error) {
		return t.GetMulti(ks)
	})
}

// Put stores v under k.
func (db *Database[K, V]) Put(ctx context.Context, k K, v V) error {
	return db.Update(ctx, func(t *Txn[K, V]) error {
		return t.Put(k, v)
	})
}

// PutMulti stores every pair in one write transaction. Either all pairs
// are stored or none.
func (db *Database[K, V]) PutMulti(ctx context.Context, pairs []Pair[K, V]) error {
	return db.Update(ctx, func(t *Txn[K, V]) error {
		return t.PutMulti(pairs)
	})
}

// Insert stores v under k unless k is present, and reports whether it did.
func (db *Database[K, V]) Insert(ctx context.Context, k K, v V) (bool, error) {
	return Run(ctx, db, WriteTxn, func(t *Txn[K, V]) (bool, error) {
		return t.Insert(k, v)
	})
}

// Replace stores v under k and returns the previous value, if any.
func (db *Database[K, V]) Replace(ctx context.Context, k K, v V) (V, bool, error) {
	type replaced struct {
		old   V
		found bool
	}
	r, err := Run(ctx, db, WriteTxn, func(t *Txn[K, V]) (replaced, error) {
		old, found, err := t.Replace(k, v)
		return replaced{old, found}, err
	})
	return r.old, r.found, err
}

// Pop removes k and returns its value, or ErrKeyNotFound.
func (db *Database[K, V]) Pop(ctx context.Context, k K) (V, error) {
	return Run(ctx, db, WriteTxn, func(t *Txn[K, V]) (V, error) {
		return t.Pop(k)
	})
}

// Delete removes k and reports whether it was present.
func (db *Database[K, V]) Delete(ctx context.Context, k K) (bool, error) {
	return Run(ctx, db, WriteTxn, func(t *Txn[K, V]) (bool, error) {
		return t.Delete(k)
	})
}

// DeleteMulti removes every key in one write transaction and reports, in
// input order, which keys were present.
func (db *Database[K, V]) DeleteMulti(ctx context.Context, ks []K) ([]bool, error) {
	return Run(ctx, db, WriteTxn, func(t *Txn[K, V]) ([]bool, error) {
		return t.DeleteMulti(ks)
	})
}

// Drop removes every key. The database stays open and usable.
func (db *Database[K, V]) Drop(ctx context.Context) error {
	return db.Update(ctx, func(t *Txn[K, V]) error {
		return t.Drop()
	})
}

// Stat reports statistics for the database.
func (db *Database[K, V]) Stat(ctx context.Context) (DBStat, error) {
	return Run(ctx, db, ReadTxn, func(t *Txn[K, V]) (DBStat, error) {
		return t.Stat()
	})
}
