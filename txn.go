package txkv

// txn.go implements Txn, the typed transaction handed to View, Update and
// Run callbacks.

import (
	"errors"
	"sync/atomic"

	"github.com/aalhour/txkv/coder"
	"github.com/aalhour/txkv/internal/engine"
	"github.com/aalhour/txkv/internal/logging"
)

type txnState uint32

const (
	txnPending txnState = iota
	txnActive
	txnCommitted
	txnAborted
)

// txnCore is the untyped part of a transaction. It is shared by the Txn and
// every View it produced.
type txnCore struct {
	env   *Env
	etx   engine.Txn
	state atomic.Uint32

	// failed is the first error raised inside the transaction. A
	// transaction that failed is aborted even if the callback returns nil.
	failed error
}

func (c *txnCore) load() txnState { return txnState(c.state.Load()) }

func (c *txnCore) active() bool { return c.load() == txnActive }

// fail records err as the reason the transaction must abort and returns it
// translated to the public sentinels.
func (c *txnCore) fail(err error) error {
	if errors.Is(err, engine.ErrFatal) {
		c.env.reportFatal(err)
	}
	terr := translate(err)
	if c.failed == nil {
		c.failed = terr
	}
	return terr
}

func (c *txnCore) encodingFailed(what, op string, err error) error {
	if !errors.Is(err, coder.ErrEncoding) {
		err = &coder.Error{Coder: what, Op: op, Err: err}
	}
	c.env.stats.RecordTick(TickerEncodingErrors, 1)
	if c.failed == nil {
		c.failed = err
	}
	return err
}

func (c *txnCore) commit() error {
	if !c.state.CompareAndSwap(uint32(txnActive), uint32(txnCommitted)) {
		return ErrTxnDone
	}
	if err := c.etx.Commit(); err != nil {
		c.state.Store(uint32(txnAborted))
		return c.fail(err)
	}
	return nil
}

func (c *txnCore) abort() {
	if !c.state.CompareAndSwap(uint32(txnActive), uint32(txnAborted)) {
		return
	}
	if err := c.etx.Abort(); err != nil {
		c.env.logger.Warnf("%sabort: %v", logging.NSTxn, err)
	}
}

// Result is one entry of a GetMulti answer.
type Result[K, V any] struct {
	Key   K
	Value V
	// Found is false when the key was absent. Value is then the zero value.
	Found bool
}

// Pair is a key and value to store.
type Pair[K, V any] struct {
	Key   K
	Value V
}

// Txn is a typed transaction over one database.
//
// A Txn is valid only inside the callback it was passed to and must not be
// used from other goroutines. Outside the callback every method returns
// ErrTxnDone. Write methods on a read transaction return ErrReadOnlyTxn.
//
// Any error raised by a method aborts the whole transaction, even if the
// callback goes on and returns nil. ErrKeyNotFound is the exception: a
// missing key is an answer, not a failure.
type Txn[K, V any] struct {
	core  *txnCore
	store string
	kc    coder.Coder[K]
	vc    coder.Coder[V]
}

// Writable reports whether the transaction can write.
func (t *Txn[K, V]) Writable() bool {
	return t.core.etx != nil && t.core.etx.Writable()
}

func (t *Txn[K, V]) check(write bool) error {
	if !t.core.active() {
		return ErrTxnDone
	}
	if write && !t.core.etx.Writable() {
		return errReadOnly
	}
	return nil
}

func (t *Txn[K, V]) encodeKey(k K) ([]byte, error) {
	b, err := t.kc.Encode(k)
	if err != nil {
		return nil, t.core.encodingFailed("key", "encode", err)
	}
	return b, nil
}

func (t *Txn[K, V]) encodeValue(v V) ([]byte, error) {
	b, err := t.vc.Encode(v)
	if err != nil {
		return nil, t.core.encodingFailed("value", "encode", err)
	}
	return b, nil
}

func (t *Txn[K, V]) decodeValue(b []byte) (V, error) {
	v, err := t.vc.Decode(b)
	if err != nil {
		var zero V
		return zero, t.core.encodingFailed("value", "decode", err)
	}
	return v, nil
}

// lookup returns the raw value under kb. The bytes alias engine memory.
func (t *Txn[K, V]) lookup(kb []byte) ([]byte, bool, error) {
	stats := t.core.env.stats
	stats.RecordTick(TickerKeysRead, 1)
	b, err := t.core.etx.Get(t.store, kb)
	if errors.Is(err, engine.ErrNotFound) {
		stats.RecordTick(TickerKeysNotFound, 1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, t.core.fail(err)
	}
	stats.RecordTick(TickerBytesRead, uint64(len(b)))
	stats.MeasureTime(HistogramBytesPerRead, uint64(len(b)))
	return b, true, nil
}

func (t *Txn[K, V]) write(kb, vb []byte) error {
	if err := t.core.etx.Put(t.store, kb, vb); err != nil {
		return t.core.fail(err)
	}
	stats := t.core.env.stats
	stats.RecordTick(TickerKeysWritten, 1)
	stats.RecordTick(TickerBytesWritten, uint64(len(kb)+len(vb)))
	stats.MeasureTime(HistogramBytesPerWrite, uint64(len(vb)))
	return nil
}

func (t *Txn[K, V]) remove(kb []byte) (bool, error) {
	ok, err := t.core.etx.Delete(t.store, kb)
	if err != nil {
		return false, t.core.fail(err)
	}
	if ok {
		t.core.env.stats.RecordTick(TickerKeysDeleted, 1)
	}
	return ok, nil
}

// Get returns the value stored under k, or ErrKeyNotFound.
func (t *Txn[K, V]) Get(k K) (V, error) {
	var zero V
	if err := t.check(false); err != nil {
		return zero, err
	}
	kb, err := t.encodeKey(k)
	if err != nil {
		return zero, err
	}
	b, found, err := t.lookup(kb)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, ErrKeyNotFound
	}
	return t.decodeValue(b)
}

// GetMulti looks up every key and returns the results in input order.
func (t *Txn[K, V]) GetMulti(ks []K) ([]Result[K, V], error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	out := make([]Result[K, V], len(ks))
	for i, k := range ks {
		out[i].Key = k
		kb, err := t.encodeKey(k)
		if err != nil {
			return nil, err
		}
		b, found, err := t.lookup(kb)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if out[i].Value, err = t.decodeValue(b); err != nil {
			return nil, err
		}
		out[i].Found = true
	}
	return out, nil
}

// GetView returns the raw value under k without copying it. The View
// expires when the transaction ends.
func (t *Txn[K, V]) GetView(k K) (*View, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	kb, err := t.encodeKey(k)
	if err != nil {
		return nil, err
	}
	b, found, err := t.lookup(kb)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return &View{b: b, txn: t.core}, nil
}

// Put stores v under k, replacing any existing value.
func (t *Txn[K, V]) Put(k K, v V) error {
	if err := t.check(true); err != nil {
		return err
	}
	kb, err := t.encodeKey(k)
	if err != nil {
		return err
	}
	vb, err := t.encodeValue(v)
	if err != nil {
		return err
	}
	return t.write(kb, vb)
}

// PutMulti stores every pair. All pairs are encoded before anything is
// written, so an encoding failure leaves the store untouched.
func (t *Txn[K, V]) PutMulti(pairs []Pair[K, V]) error {
	if err := t.check(true); err != nil {
		return err
	}
	encoded := make([][2][]byte, len(pairs))
	for i, p := range pairs {
		kb, err := t.encodeKey(p.Key)
		if err != nil {
			return err
		}
		vb, err := t.encodeValue(p.Value)
		if err != nil {
			return err
		}
		encoded[i] = [2][]byte{kb, vb}
	}
	for _, kv := range encoded {
		if err := t.write(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores v under k only if k is absent and reports whether it did.
func (t *Txn[K, V]) Insert(k K, v V) (bool, error) {
	if err := t.check(true); err != nil {
		return false, err
	}
	kb, err := t.encodeKey(k)
	if err != nil {
		return false, err
	}
	vb, err := t.encodeValue(v)
	if err != nil {
		return false, err
	}
	_, found, err := t.lookup(kb)
	if err != nil || found {
		return false, err
	}
	if err := t.write(kb, vb); err != nil {
		return false, err
	}
	return true, nil
}

// Replace stores v under k and returns the previous value, if any.
func (t *Txn[K, V]) Replace(k K, v V) (old V, found bool, err error) {
	if err := t.check(true); err != nil {
		return old, false, err
	}
	kb, err := t.encodeKey(k)
	if err != nil {
		return old, false, err
	}
	vb, err := t.encodeValue(v)
	if err != nil {
		return old, false, err
	}
	b, found, err := t.lookup(kb)
	if err != nil {
		return old, false, err
	}
	// Decode before writing: the engine may reuse the old value's memory.
	if found {
		if old, err = t.decodeValue(b); err != nil {
			return old, false, err
		}
	}
	if err := t.write(kb, vb); err != nil {
		var zero V
		return zero, false, err
	}
	return old, found, nil
}

// Pop removes k and returns its value, or ErrKeyNotFound.
func (t *Txn[K, V]) Pop(k K) (V, error) {
	var zero V
	if err := t.check(true); err != nil {
		return zero, err
	}
	kb, err := t.encodeKey(k)
	if err != nil {
		return zero, err
	}
	b, found, err := t.lookup(kb)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, ErrKeyNotFound
	}
	v, err := t.decodeValue(b)
	if err != nil {
		return zero, err
	}
	if _, err := t.remove(kb); err != nil {
		return zero, err
	}
	return v, nil
}

// Delete removes k and reports whether it was present.
func (t *Txn[K, V]) Delete(k K) (bool, error) {
	if err := t.check(true); err != nil {
		return false, err
	}
	kb, err := t.encodeKey(k)
	if err != nil {
		return false, err
	}
	return t.remove(kb)
}

// DeleteMulti removes every key and reports, in input order, which were
// present. All keys are encoded before anything is removed.
func (t *Txn[K, V]) DeleteMulti(ks []K) ([]bool, error) {
	if err := t.check(true); err != nil {
		return nil, err
	}
	encoded := make([][]byte, len(ks))
	for i, k := range ks {
		kb, err := t.encodeKey(k)
		if err != nil {
			return nil, err
		}
		encoded[i] = kb
	}
	out := make([]bool, len(ks))
	for i, kb := range encoded {
		ok, err := t.remove(kb)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

// Drop removes every key of the database. The database stays usable.
func (t *Txn[K, V]) Drop() error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.core.etx.Drop(t.store); err != nil {
		return t.core.fail(err)
	}
	return nil
}

// Stat reports statistics for the database as seen by this transaction.
func (t *Txn[K, V]) Stat() (DBStat, error) {
	if err := t.check(false); err != nil {
		return DBStat{}, err
	}
	st, err := t.core.etx.StoreStat(t.store)
	if err != nil {
		return DBStat{}, t.core.fail(err)
	}
	return newDBStat(t.store, st), nil
}

// Raw returns the backend's transaction handle: *bbolt.Tx for the bolt
// backend, *pebble.Batch or *pebble.Snapshot for pebble. It returns nil
// once the transaction has ended. Work done through the handle is part of
// the transaction but bypasses the coders.
func (t *Txn[K, V]) Raw() any {
	if !t.core.active() {
		return nil
	}
	return t.core.etx.Raw()
}
