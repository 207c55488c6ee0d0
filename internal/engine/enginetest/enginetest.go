// Package enginetest holds the behavioural contract every engine backend
// must satisfy. Backends call Run from their own tests.
package enginetest

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/txkv/internal/engine"
)

// Opener opens a fresh, empty engine for one sub-test.
type Opener func(t *testing.T) engine.Engine

// Run executes the contract suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e engine.Engine)
	}{
		{"get_missing", testGetMissing},
		{"put_get", testPutGet},
		{"empty_value", testEmptyValue},
		{"empty_key", testEmptyKey},
		{"read_your_writes", testReadYourWrites},
		{"abort_discards", testAbortDiscards},
		{"snapshot_isolation", testSnapshotIsolation},
		{"stores_are_isolated", testStoresIsolated},
		{"delete_reports_existence", testDelete},
		{"drop_empties_store", testDrop},
		{"read_txn_rejects_writes", testReadTxnRejectsWrites},
		{"store_stat", testStoreStat},
		{"stores_and_stat", testStoresAndStat},
		{"reserved_store_name", testReservedStoreName},
		{"sync_copy_close", testSyncCopyClose},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := open(t)
			defer e.Close() //nolint:errcheck // closed again by some cases
			require.NoError(t, e.OpenStore(engine.DefaultStore))
			tc.fn(t, e)
		})
	}
}

func update(t *testing.T, e engine.Engine, fn func(tx engine.Txn)) {
	t.Helper()
	tx, err := e.Begin(true)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func get(t *testing.T, e engine.Engine, store, key string) ([]byte, error) {
	t.Helper()
	tx, err := e.Begin(false)
	require.NoError(t, err)
	defer tx.Abort() //nolint:errcheck // read txn
	v, err := tx.Get(store, []byte(key))
	if err != nil {
		return nil, err
	}
	return append([]byte{}, v...), nil
}

func testGetMissing(t *testing.T, e engine.Engine) {
	_, err := get(t, e, engine.DefaultStore, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func testPutGet(t *testing.T, e engine.Engine) {
	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("v")))
	})
	v, err := get(t, e, engine.DefaultStore, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("v2")))
	})
	v, err = get(t, e, engine.DefaultStore, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func testEmptyValue(t *testing.T, e engine.Engine) {
	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("empty"), []byte{}))
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("nil"), nil))
	})
	for _, k := range []string{"empty", "nil"} {
		v, err := get(t, e, engine.DefaultStore, k)
		require.NoError(t, err, k)
		assert.Empty(t, v, k)
	}
}

func testEmptyKey(t *testing.T, e engine.Engine) {
	tx, err := e.Begin(true)
	require.NoError(t, err)
	defer tx.Abort() //nolint:errcheck // aborted on purpose

	err = tx.Put(engine.DefaultStore, nil, []byte("v"))
	assert.ErrorIs(t, err, engine.ErrKeyRequired)
	assert.ErrorIs(t, err, engine.ErrAborted)

	_, err = tx.Get(engine.DefaultStore, []byte{})
	assert.ErrorIs(t, err, engine.ErrKeyRequired)
}

func testReadYourWrites(t *testing.T, e engine.Engine) {
	tx, err := e.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("v")))
	v, err := tx.Get(engine.DefaultStore, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, tx.Commit())
}

func testAbortDiscards(t *testing.T, e engine.Engine) {
	tx, err := e.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("v")))
	require.NoError(t, tx.Abort())

	_, err = get(t, e, engine.DefaultStore, "k")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func testSnapshotIsolation(t *testing.T, e engine.Engine) {
	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("old")))
	})

	reader, err := e.Begin(false)
	require.NoError(t, err)
	defer reader.Abort() //nolint:errcheck // read txn

	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("new")))
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("k2"), []byte("x")))
	})

	v, err := reader.Get(engine.DefaultStore, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)
	_, err = reader.Get(engine.DefaultStore, []byte("k2"))
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func testStoresIsolated(t *testing.T, e engine.Engine) {
	require.NoError(t, e.OpenStore("a"))
	require.NoError(t, e.OpenStore("ab"))
	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Put("a", []byte("k"), []byte("in-a")))
		require.NoError(t, tx.Put("ab", []byte("k"), []byte("in-ab")))
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("in-default")))
	})
	for store, want := range map[string]string{"a": "in-a", "ab": "in-ab", "": "in-default"} {
		v, err := get(t, e, store, "k")
		require.NoError(t, err)
		assert.Equal(t, want, string(v), "store %q", store)
	}
}

func testDelete(t *testing.T, e engine.Engine) {
	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("v")))
	})
	update(t, e, func(tx engine.Txn) {
		ok, err := tx.Delete(engine.DefaultStore, []byte("k"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.Delete(engine.DefaultStore, []byte("k"))
		require.NoError(t, err)
		assert.False(t, ok, "second delete of the same key")

		ok, err = tx.Delete(engine.DefaultStore, []byte("never"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
	_, err := get(t, e, engine.DefaultStore, "k")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func testDrop(t *testing.T, e engine.Engine) {
	require.NoError(t, e.OpenStore("victim"))
	require.NoError(t, e.OpenStore("bystander"))
	update(t, e, func(tx engine.Txn) {
		for i := 0; i < 10; i++ {
			k := []byte(fmt.Sprintf("k%02d", i))
			require.NoError(t, tx.Put("victim", k, []byte("v")))
			require.NoError(t, tx.Put("bystander", k, []byte("v")))
		}
	})

	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Drop("victim"))
		_, err := tx.Get("victim", []byte("k00"))
		assert.ErrorIs(t, err, engine.ErrNotFound)
		// The store stays usable inside the same transaction.
		require.NoError(t, tx.Put("victim", []byte("after"), []byte("drop")))
	})

	_, err := get(t, e, "victim", "k00")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	v, err := get(t, e, "victim", "after")
	require.NoError(t, err)
	assert.Equal(t, []byte("drop"), v)
	_, err = get(t, e, "bystander", "k09")
	require.NoError(t, err)

	names, err := e.Stores()
	require.NoError(t, err)
	assert.Contains(t, names, "victim")
}

func testReadTxnRejectsWrites(t *testing.T, e engine.Engine) {
	tx, err := e.Begin(false)
	require.NoError(t, err)
	defer tx.Abort() //nolint:errcheck // read txn

	assert.False(t, tx.Writable())
	assert.ErrorIs(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("v")), engine.ErrAborted)
	_, err = tx.Delete(engine.DefaultStore, []byte("k"))
	assert.ErrorIs(t, err, engine.ErrAborted)
	assert.ErrorIs(t, tx.Drop(engine.DefaultStore), engine.ErrAborted)
}

func testStoreStat(t *testing.T, e engine.Engine) {
	require.NoError(t, e.OpenStore("counted"))
	update(t, e, func(tx engine.Txn) {
		for i := 0; i < 25; i++ {
			require.NoError(t, tx.Put("counted", []byte(fmt.Sprintf("k%02d", i)), []byte("v")))
		}
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("other"), []byte("v")))
	})

	tx, err := e.Begin(false)
	require.NoError(t, err)
	defer tx.Abort() //nolint:errcheck // read txn
	st, err := tx.StoreStat("counted")
	require.NoError(t, err)
	assert.EqualValues(t, 25, st.Entries)
}

func testStoresAndStat(t *testing.T, e engine.Engine) {
	for _, n := range []string{"b", "a", "c"} {
		require.NoError(t, e.OpenStore(n))
	}
	// Opening twice is a no-op.
	require.NoError(t, e.OpenStore("a"))

	names, err := e.Stores()
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	st, err := e.Stat()
	require.NoError(t, err)
	assert.Equal(t, e.Name(), st.Backend)
	assert.Equal(t, e.Path(), st.Path)
	assert.Equal(t, 3, st.Stores)
}

func testReservedStoreName(t *testing.T, e engine.Engine) {
	assert.ErrorIs(t, e.OpenStore("\x00default"), engine.ErrInvalidStoreName)
}

func testSyncCopyClose(t *testing.T, e engine.Engine) {
	update(t, e, func(tx engine.Txn) {
		require.NoError(t, tx.Put(engine.DefaultStore, []byte("k"), []byte("v")))
	})
	require.NoError(t, e.Sync(true))
	require.NoError(t, e.Sync(false))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, e.CopyFile(dst))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "Close is idempotent")
}
