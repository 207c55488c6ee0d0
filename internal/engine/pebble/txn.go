package pebble

import (
	"errors"
	"io"

	"github.com/cockroachdb/pebble"

	"github.com/aalhour/txkv/internal/engine"
)

// reader is the read surface shared by *pebble.Snapshot and *pebble.Batch.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// closers keeps Get results alive until the transaction ends.
type closers []io.Closer

func (c *closers) get(r reader, store string, key []byte) ([]byte, error) {
	if err := engine.CheckKey(key); err != nil {
		return nil, err
	}
	v, closer, err := r.Get(dataKey(store, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	*c = append(*c, closer)
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (c *closers) release() error {
	var first error
	for _, cl := range *c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	*c = nil
	return first
}

func storeStat(r reader, store string) (engine.StoreStat, error) {
	lower := storeKeyPrefix(store)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return engine.StoreStat{}, classify(err)
	}
	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Close(); err != nil {
		return engine.StoreStat{}, classify(err)
	}
	return engine.StoreStat{Entries: n}, nil
}

type readTxn struct {
	snap *pebble.Snapshot
	held closers
}

func (t *readTxn) Writable() bool { return false }

func (t *readTxn) Raw() any { return t.snap }

func (t *readTxn) Get(store string, key []byte) ([]byte, error) {
	return t.held.get(t.snap, store, key)
}

func (t *readTxn) Put(string, []byte, []byte) error {
	return engine.Aborted(engine.ErrReadOnly)
}

func (t *readTxn) Delete(string, []byte) (bool, error) {
	return false, engine.Aborted(engine.ErrReadOnly)
}

func (t *readTxn) Drop(string) error {
	return engine.Aborted(engine.ErrReadOnly)
}

func (t *readTxn) StoreStat(store string) (engine.StoreStat, error) {
	return storeStat(t.snap, store)
}

func (t *readTxn) Commit() error { return t.Abort() }

func (t *readTxn) Abort() error {
	err := t.held.release()
	if cerr := t.snap.Close(); err == nil {
		err = cerr
	}
	return classify(err)
}

type writeTxn struct {
	e     *Engine
	batch *pebble.Batch
	held  closers
}

func (t *writeTxn) Writable() bool { return true }

func (t *writeTxn) Raw() any { return t.batch }

func (t *writeTxn) Get(store string, key []byte) ([]byte, error) {
	return t.held.get(t.batch, store, key)
}

func (t *writeTxn) Put(store string, key, value []byte) error {
	if err := engine.CheckKey(key); err != nil {
		return err
	}
	return classify(t.batch.Set(dataKey(store, key), value, nil))
}

func (t *writeTxn) Delete(store string, key []byte) (bool, error) {
	if _, err := t.Get(store, key); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := t.batch.Delete(dataKey(store, key), nil); err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (t *writeTxn) Drop(store string) error {
	lower := storeKeyPrefix(store)
	return classify(t.batch.DeleteRange(lower, prefixEnd(lower), nil))
}

func (t *writeTxn) StoreStat(store string) (engine.StoreStat, error) {
	return storeStat(t.batch, store)
}

func (t *writeTxn) Commit() error {
	if err := t.held.release(); err != nil {
		_ = t.batch.Close()
		return classify(err)
	}
	err := t.batch.Commit(t.e.wo)
	if cerr := t.batch.Close(); err == nil {
		err = cerr
	}
	return classify(err)
}

func (t *writeTxn) Abort() error {
	err := t.held.release()
	if cerr := t.batch.Close(); err == nil {
		err = cerr
	}
	return classify(err)
}
