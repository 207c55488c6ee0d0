package bolt

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/txkv/internal/engine"
)

type txn struct {
	tx *bolt.Tx
}

func (t *txn) Writable() bool { return t.tx.Writable() }

func (t *txn) Raw() any { return t.tx }

func (t *txn) bucket(store string) (*bolt.Bucket, error) {
	b := t.tx.Bucket(bucketName(store))
	if b == nil {
		return nil, engine.Aborted(fmt.Errorf("%w: %q", engine.ErrStoreNotFound, store))
	}
	return b, nil
}

func (t *txn) Get(store string, key []byte) ([]byte, error) {
	if err := engine.CheckKey(key); err != nil {
		return nil, err
	}
	b, err := t.bucket(store)
	if err != nil {
		return nil, err
	}
	// Seek instead of Get so an empty value is not mistaken for a miss.
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, engine.ErrNotFound
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *txn) Put(store string, key, value []byte) error {
	if !t.tx.Writable() {
		return engine.Aborted(engine.ErrReadOnly)
	}
	if err := engine.CheckKey(key); err != nil {
		return err
	}
	b, err := t.bucket(store)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return classify(b.Put(key, value))
}

func (t *txn) Delete(store string, key []byte) (bool, error) {
	if !t.tx.Writable() {
		return false, engine.Aborted(engine.ErrReadOnly)
	}
	if err := engine.CheckKey(key); err != nil {
		return false, err
	}
	b, err := t.bucket(store)
	if err != nil {
		return false, err
	}
	k, _ := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return false, nil
	}
	if err := b.Delete(key); err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (t *txn) Drop(store string) error {
	if !t.tx.Writable() {
		return engine.Aborted(engine.ErrReadOnly)
	}
	bn := bucketName(store)
	if err := t.tx.DeleteBucket(bn); err != nil {
		return classify(err)
	}
	_, err := t.tx.CreateBucket(bn)
	return classify(err)
}

func (t *txn) StoreStat(store string) (engine.StoreStat, error) {
	b, err := t.bucket(store)
	if err != nil {
		return engine.StoreStat{}, err
	}
	s := b.Stats()
	return engine.StoreStat{
		Entries:       int64(s.KeyN),
		Depth:         s.Depth,
		PageSize:      t.tx.DB().Info().PageSize,
		BranchPages:   s.BranchPageN,
		LeafPages:     s.LeafPageN,
		OverflowPages: s.BranchOverflowN + s.LeafOverflowN,
	}, nil
}

// Commit commits a write transaction. A read transaction has nothing to
// commit and is released instead.
func (t *txn) Commit() error {
	if !t.tx.Writable() {
		return classify(t.tx.Rollback())
	}
	return classify(t.tx.Commit())
}

func (t *txn) Abort() error {
	return classify(t.tx.Rollback())
}
