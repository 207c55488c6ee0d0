package txkv

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/txkv/coder"
)

func TestViewExpiresWithTxn(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := openStrings(t, openTestEnv(t, backend), "s")
		require.NoError(t, db.Put(ctx, "k", "payload"))

		var (
			view   *View
			copied []byte
		)
		err := db.View(ctx, func(txn *Txn[string, string]) error {
			var err error
			if view, err = txn.GetView("k"); err != nil {
				return err
			}
			b, err := view.Bytes()
			if err != nil {
				return err
			}
			assert.Equal(t, []byte("payload"), b)
			copied, err = view.Copy()
			return err
		})
		require.NoError(t, err)

		_, err = view.Bytes()
		assert.ErrorIs(t, err, ErrViewExpired)
		_, err = view.Copy()
		assert.ErrorIs(t, err, ErrViewExpired)
		assert.Equal(t, len("payload"), view.Len())
		assert.Equal(t, []byte("payload"), copied)
	})
}

func TestGetViewMissing(t *testing.T) {
	db := openStrings(t, openTestEnv(t, BackendBolt), "s")
	err := db.View(context.Background(), func(txn *Txn[string, string]) error {
		_, err := txn.GetView("absent")
		return err
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestTxnUnusableAfterCallback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := openStrings(t, openTestEnv(t, backend), "s")

		var leaked *Txn[string, string]
		require.NoError(t, db.Update(ctx, func(txn *Txn[string, string]) error {
			leaked = txn
			return txn.Put("k", "v")
		}))

		_, err := leaked.Get("k")
		assert.ErrorIs(t, err, ErrTxnDone)
		assert.ErrorIs(t, leaked.Put("k", "w"), ErrTxnDone)
		_, err = leaked.Delete("k")
		assert.ErrorIs(t, err, ErrTxnDone)
		_, err = leaked.GetMulti([]string{"k"})
		assert.ErrorIs(t, err, ErrTxnDone)
		assert.ErrorIs(t, leaked.Drop(), ErrTxnDone)
		_, err = leaked.Stat()
		assert.ErrorIs(t, err, ErrTxnDone)
		assert.Nil(t, leaked.Raw())

		got, err := db.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	})
}

func TestReadTxnRejectsWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := openStrings(t, openTestEnv(t, backend), "s")
		require.NoError(t, db.Put(ctx, "k", "v"))

		err := db.View(ctx, func(txn *Txn[string, string]) error {
			assert.False(t, txn.Writable())
			checks := map[string]error{
				"put":  txn.Put("k", "w"),
				"drop": txn.Drop(),
			}
			_, checks["insert"] = txn.Insert("x", "y")
			_, _, checks["replace"] = txn.Replace("k", "w")
			_, checks["pop"] = txn.Pop("k")
			_, checks["delete"] = txn.Delete("k")
			_, checks["delete_multi"] = txn.DeleteMulti([]string{"k"})
			checks["put_multi"] = txn.PutMulti([]Pair[string, string]{{"k", "w"}})
			for op, err := range checks {
				assert.ErrorIs(t, err, ErrReadOnlyTxn, op)
				assert.ErrorIs(t, err, ErrTransactionAborted, op)
			}
			return nil
		})
		require.NoError(t, err)

		got, err := db.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	})
}

func TestRunReturnsTypedResult(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db, err := OpenDB(context.Background(), openTestEnv(t, backend), "balances", coder.String, coder.Uint64)
		require.NoError(t, err)
		require.NoError(t, db.PutMulti(ctx, []Pair[string, uint64]{{"alice", 70}, {"bob", 30}}))

		// Move 20 from alice to bob and report the new total.
		total, err := Run(ctx, db, WriteTxn, func(txn *Txn[string, uint64]) (uint64, error) {
			assert.True(t, txn.Writable())
			a, err := txn.Get("alice")
			if err != nil {
				return 0, err
			}
			b, err := txn.Get("bob")
			if err != nil {
				return 0, err
			}
			if err := txn.PutMulti([]Pair[string, uint64]{{"alice", a - 20}, {"bob", b + 20}}); err != nil {
				return 0, err
			}
			return a + b, nil
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(100), total)

		res, err := db.GetMulti(ctx, []string{"alice", "bob"})
		require.NoError(t, err)
		assert.Equal(t, uint64(50), res[0].Value)
		assert.Equal(t, uint64(50), res[1].Value)
	})
}

func TestReadYourWritesInsideTxn(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		db := openStrings(t, openTestEnv(t, backend), "s")
		err := db.Update(context.Background(), func(txn *Txn[string, string]) error {
			if err := txn.Put("k", "v"); err != nil {
				return err
			}
			got, err := txn.Get("k")
			if err != nil {
				return err
			}
			assert.Equal(t, "v", got)
			ok, err := txn.Delete("k")
			assert.True(t, ok)
			return err
		})
		require.NoError(t, err)
	})
}

func TestDecodeErrorAbortsTxn(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t, BackendBolt)
	raw, err := OpenDB(context.Background(), env, "s", coder.String, coder.Identity)
	require.NoError(t, err)
	require.NoError(t, raw.Put(ctx, "num", []byte{1, 2, 3}))

	db, err := OpenDB(context.Background(), env, "s", coder.String, coder.Uint64)
	require.NoError(t, err)
	_, err = db.Get(ctx, "num")
	require.ErrorIs(t, err, ErrEncoding)

	err = db.Update(ctx, func(txn *Txn[string, uint64]) error {
		assert.NoError(t, txn.Put("other", 1))
		_, _ = txn.Get("num")
		return nil
	})
	require.ErrorIs(t, err, ErrEncoding)
	_, err = db.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEmptyKeyIsRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		db := openStrings(t, openTestEnv(t, backend), "s")
		err := db.Put(context.Background(), "", "v")
		assert.ErrorIs(t, err, ErrTransactionAborted)
	})
}

func TestRawHandles(t *testing.T) {
	ctx := context.Background()

	t.Run("bolt", func(t *testing.T) {
		db := openStrings(t, openTestEnv(t, BackendBolt), "s")
		require.NoError(t, db.Update(ctx, func(txn *Txn[string, string]) error {
			tx, ok := txn.Raw().(*bolt.Tx)
			if assert.True(t, ok) {
				assert.True(t, tx.Writable())
			}
			return nil
		}))
		require.NoError(t, db.View(ctx, func(txn *Txn[string, string]) error {
			tx, ok := txn.Raw().(*bolt.Tx)
			if assert.True(t, ok) {
				assert.False(t, tx.Writable())
			}
			return nil
		}))
	})

	t.Run("pebble", func(t *testing.T) {
		db := openStrings(t, openTestEnv(t, BackendPebble), "s")
		require.NoError(t, db.Update(ctx, func(txn *Txn[string, string]) error {
			_, ok := txn.Raw().(*pebble.Batch)
			assert.True(t, ok)
			return nil
		}))
		require.NoError(t, db.View(ctx, func(txn *Txn[string, string]) error {
			_, ok := txn.Raw().(*pebble.Snapshot)
			assert.True(t, ok)
			return nil
		}))
	})
}
