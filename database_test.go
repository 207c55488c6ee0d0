package txkv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/txkv/coder"
)

type order struct {
	ID    uint64   `json:"id" msgpack:"id"`
	Items []string `json:"items" msgpack:"items"`
	Total float64  `json:"total" msgpack:"total"`
}

func TestCoderRoundTripThroughDatabase(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		env := openTestEnv(t, backend)
		want := order{ID: 7, Items: []string{"tea", "scones"}, Total: 12.5}

		t.Run("uint64_json", func(t *testing.T) {
			db, err := OpenDB(context.Background(), env, "json", coder.Uint64, coder.JSON[order]())
			require.NoError(t, err)
			require.NoError(t, db.Put(ctx, 7, want))
			got, err := db.Get(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})

		t.Run("string_msgpack", func(t *testing.T) {
			db, err := OpenDB(context.Background(), env, "msgpack", coder.String, coder.Msgpack[order]())
			require.NoError(t, err)
			require.NoError(t, db.Put(ctx, "o-7", want))
			got, err := db.Get(ctx, "o-7")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})

		t.Run("compressed_checksummed", func(t *testing.T) {
			vc := coder.Compose(coder.JSON[order](),
				coder.Compression(ZstdCompression, 3),
				coder.Checksum())
			db, err := OpenDB(context.Background(), env, "packed", coder.Uint32, coder.Coder[order](vc))
			require.NoError(t, err)
			require.NoError(t, db.Put(ctx, 1, want))
			got, err := db.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// A handle without the stages sees the transformed bytes.
			raw, err := OpenDB(context.Background(), env, "packed", coder.Uint32, coder.Identity)
			require.NoError(t, err)
			b, err := raw.Get(ctx, 1)
			require.NoError(t, err)
			assert.Greater(t, len(b), coder.ChecksumSize)
			assert.Equal(t, byte(ZstdCompression), b[0])
		})

		t.Run("empty_value", func(t *testing.T) {
			db, err := OpenDB[string, []byte](context.Background(), env, "empty", coder.String, coder.Compressed(coder.Identity, SnappyCompression, 0))
			require.NoError(t, err)
			require.NoError(t, db.Put(ctx, "k", []byte{}))
			got, err := db.Get(ctx, "k")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	})
}

func TestCompressionFromPublicConstants(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t, BackendBolt)
	stage := func(ct CompressionType) coder.Coder[string] {
		return coder.Compose(coder.String, coder.Compression(ct, DefaultCompressionLevel), coder.Checksum())
	}

	zstd, err := OpenDB(ctx, env, "docs", coder.String, stage(ZstdCompression))
	require.NoError(t, err)
	require.NoError(t, zstd.Put(ctx, "k", "the quick brown fox jumps over the lazy dog"))

	lz4, err := OpenDB(ctx, env, "docs", coder.String, stage(LZ4Compression))
	require.NoError(t, err)
	got, err := lz4.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", got)
}

func TestUint64KeysSortNumerically(t *testing.T) {
	env := openTestEnv(t, BackendBolt)
	db, err := OpenDB(context.Background(), env, "nums", coder.Uint64, coder.String)
	require.NoError(t, err)
	for _, n := range []uint64{300, 2, 1 << 40, 17} {
		require.NoError(t, db.Put(context.Background(), n, fmt.Sprint(n)))
	}

	var keys []uint64
	err = db.View(context.Background(), func(txn *Txn[uint64, string]) error {
		tx := txn.Raw().(*bolt.Tx)
		return tx.Bucket([]byte("nums")).ForEach(func(k, _ []byte) error {
			n, err := coder.Uint64.Decode(k)
			keys = append(keys, n)
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 17, 300, 1 << 40}, keys)
}

func TestGetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		db := openStrings(t, openTestEnv(t, backend), "s")
		_, err := db.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestGetOr(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := openStrings(t, openTestEnv(t, backend), "s")

		got, err := db.GetOr(ctx, "k", "fallback")
		require.NoError(t, err)
		assert.Equal(t, "fallback", got)

		// The default is returned, never stored.
		_, err = db.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrKeyNotFound)

		require.NoError(t, db.Put(ctx, "k", "stored"))
		got, err = db.GetOr(ctx, "k", "fallback")
		require.NoError(t, err)
		assert.Equal(t, "stored", got)

		// A stored zero value is not confused with absence.
		require.NoError(t, db.Put(ctx, "empty", ""))
		got, err = db.GetOr(ctx, "empty", "fallback")
		require.NoError(t, err)
		assert.Equal(t, "", got)
	})
}

func TestGetMulti(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := openStrings(t, openTestEnv(t, backend), "s")
		require.NoError(t, db.PutMulti(ctx, []Pair[string, string]{
			{"a", "1"}, {"c", "3"},
		}))

		got, err := db.GetMulti(ctx, []string{"c", "b", "a"})
		require.NoError(t, err)
		assert.Equal(t, []Result[string, string]{
			{Key: "c", Value: "3", Found: true},
			{Key: "b"},
			{Key: "a", Value: "1", Found: true},
		}, got)

		got, err = db.GetMulti(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// failingCoder encodes strings but refuses the value "bad".
var failingCoder = coder.Funcs("picky",
	func(s string) ([]byte, error) {
		if s == "bad" {
			return nil, errors.New("refusing bad")
		}
		return []byte(s), nil
	},
	func(b []byte) (string, error) { return string(b), nil },
)

func TestPutMultiIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db, err := OpenDB(context.Background(), openTestEnv(t, backend), "s", coder.String, failingCoder)
		require.NoError(t, err)

		err = db.PutMulti(ctx, []Pair[string, string]{
			{"a", "1"}, {"b", "2"}, {"c", "bad"},
		})
		require.ErrorIs(t, err, ErrEncoding)
		var cerr *coder.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "picky", cerr.Coder)

		res, err := db.GetMulti(ctx, []string{"a", "b", "c"})
		require.NoError(t, err)
		for _, r := range res {
			assert.False(t, r.Found, "key %q was written", r.Key)
		}
	})
}

func TestUpdateAbortsAfterIgnoredError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db, err := OpenDB(context.Background(), openTestEnv(t, backend), "s", coder.String, failingCoder)
		require.NoError(t, err)

		err = db.Update(ctx, func(txn *Txn[string, string]) error {
			assert.NoError(t, txn.Put("good", "1"))
			_ = txn.Put("worse", "bad")
			return nil
		})
		require.ErrorIs(t, err, ErrEncoding)

		_, err = db.Get(ctx, "good")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestUpdateCallbackErrorAborts(t *testing.T) {
	db := openStrings(t, openTestEnv(t, BackendBolt), "s")
	boom := errors.New("boom")

	err := db.Update(context.Background(), func(txn *Txn[string, string]) error {
		assert.NoError(t, txn.Put("k", "v"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPanicInUpdate(t *testing.T) {
	db := openStrings(t, openTestEnv(t, BackendBolt), "s")

	err := db.Update(context.Background(), func(txn *Txn[string, string]) error {
		assert.NoError(t, txn.Put("k", "v"))
		panic("callback exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback exploded")

	// The write queue was released and the write rolled back.
	_, err = db.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, db.Put(context.Background(), "k", "v"))
}

func TestInsertReplacePop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := openStrings(t, openTestEnv(t, backend), "s")

		ok, err := db.Insert(ctx, "k", "first")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = db.Insert(ctx, "k", "second")
		require.NoError(t, err)
		assert.False(t, ok)
		got, err := db.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "first", got)

		old, found, err := db.Replace(ctx, "k", "third")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "first", old)

		old, found, err = db.Replace(ctx, "new", "value")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, old)

		v, err := db.Pop(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "third", v)
		_, err = db.Pop(ctx, "k")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		_, err = db.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestDeleteAndDeleteMulti(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := openStrings(t, openTestEnv(t, backend), "s")
		require.NoError(t, db.PutMulti(ctx, []Pair[string, string]{{"a", "1"}, {"b", "2"}}))

		ok, err := db.Delete(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = db.Delete(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		res, err := db.DeleteMulti(ctx, []string{"x", "b", "b"})
		require.NoError(t, err)
		assert.Equal(t, []bool{false, true, false}, res)
	})
}

func TestDrop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		env := openTestEnv(t, backend)
		db := openStrings(t, env, "s")
		other := openStrings(t, env, "s2")
		require.NoError(t, db.PutMulti(ctx, []Pair[string, string]{{"a", "1"}, {"b", "2"}}))
		require.NoError(t, other.Put(ctx, "a", "kept"))

		require.NoError(t, db.Drop(ctx))

		st, err := db.Stat(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.Entries)
		_, err = db.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrKeyNotFound)

		// The database stays usable and siblings are untouched.
		require.NoError(t, db.Put(ctx, "c", "3"))
		got, err := other.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "kept", got)

		names, err := env.Databases(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, "s")
	})
}

func TestDatabaseStat(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := openStrings(t, openTestEnv(t, backend), "s")
		for i := range 5 {
			require.NoError(t, db.Put(ctx, fmt.Sprint(i), "v"))
		}
		st, err := db.Stat(ctx)
		require.NoError(t, err)
		assert.Equal(t, "s", st.Name)
		assert.Equal(t, int64(5), st.Entries)
		if backend == BackendBolt {
			assert.Positive(t, st.PageSize)
		}
	})
}

func TestWritesAreSerialized(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		env := openTestEnv(t, backend, func(o *Options) { o.MaxWorkers = 8 })
		db, err := OpenDB(context.Background(), env, "counter", coder.String, coder.Uint64)
		require.NoError(t, err)

		const writers = 20
		var wg sync.WaitGroup
		wg.Add(writers)
		for range writers {
			go func() {
				defer wg.Done()
				err := db.Update(ctx, func(txn *Txn[string, uint64]) error {
					n, err := txn.Get("n")
					if err != nil && !errors.Is(err, ErrKeyNotFound) {
						return err
					}
					time.Sleep(time.Millisecond)
					return txn.Put("n", n+1)
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := db.Get(ctx, "n")
		require.NoError(t, err)
		assert.Equal(t, uint64(writers), n)

		st, err := env.Stat(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Dispatcher.PeakWriters)
	})
}

func TestReadersDoNotWaitForWriter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		env := openTestEnv(t, backend)
		db := openStrings(t, env, "s")
		require.NoError(t, db.Put(ctx, "k", "old"))

		written := make(chan struct{})
		unblock := make(chan struct{})
		errc := make(chan error, 1)
		go func() {
			errc <- db.Update(ctx, func(txn *Txn[string, string]) error {
				if err := txn.Put("k", "new"); err != nil {
					return err
				}
				close(written)
				<-unblock
				return nil
			})
		}()
		<-written

		// The uncommitted write is invisible and does not block readers.
		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		got, err := db.Get(readCtx, "k")
		require.NoError(t, err)
		assert.Equal(t, "old", got)

		close(unblock)
		require.NoError(t, <-errc)
		got, err = db.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "new", got)
	})
}

func TestCoderSwapAppliesToLaterSubmissions(t *testing.T) {
	ctx := context.Background()
	env := openTestEnv(t, BackendBolt)
	db := openStrings(t, env, "s")
	raw, err := OpenDB(context.Background(), env, "s", coder.String, coder.Identity)
	require.NoError(t, err)

	tagged := coder.Funcs("tagged",
		func(s string) ([]byte, error) { return []byte("tag:" + s), nil },
		func(b []byte) (string, error) { return string(b[len("tag:"):]), nil },
	)

	release := holdWriter(t, db)
	done := make(chan error, 1)
	go func() { done <- db.Put(ctx, "queued", "v") }()
	require.Eventually(t, func() bool {
		return env.disp.Stats().Queued == 1
	}, 5*time.Second, time.Millisecond)

	db.SetValueCoder(tagged)
	release()
	require.NoError(t, <-done)
	require.NoError(t, db.Put(ctx, "later", "v"))

	b, err := raw.Get(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), b, "queued Put must use the coder captured at submission")
	b, err = raw.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, []byte("tag:v"), b)

	got, err := db.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestWithCodersLeavesReceiverAlone(t *testing.T) {
	ctx := context.Background()
	db := openStrings(t, openTestEnv(t, BackendBolt), "s")
	require.NoError(t, db.Put(ctx, "k", "v"))

	checked := db.WithCoders(coder.String, coder.Checksummed(coder.String))
	assert.Equal(t, coder.String, db.ValueCoder())
	assert.Equal(t, db.Name(), checked.Name())
	assert.Same(t, db.Env(), checked.Env())

	// The unchecksummed value is rejected by the checksummed handle.
	_, err := checked.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrEncoding)

	db.SetKeyCoder(coder.Funcs("upper",
		func(s string) ([]byte, error) { return []byte("K" + s), nil },
		func(b []byte) (string, error) { return string(b[1:]), nil },
	))
	_, err = db.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCancelWhileQueued(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		stats := NewStatistics()
		env := openTestEnv(t, backend, func(o *Options) { o.Statistics = stats })
		db := openStrings(t, env, "s")

		release := holdWriter(t, db)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- db.Put(ctx, "k", "v") }()
		require.Eventually(t, func() bool {
			return env.disp.Stats().Queued == 1
		}, 5*time.Second, time.Millisecond)

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
		release()

		_, err := db.Get(context.Background(), "k")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.Equal(t, uint64(1), stats.GetTickerCount(TickerCancelled))
		assert.Eventually(t, func() bool {
			return env.disp.Stats().Cancelled == 1
		}, 5*time.Second, time.Millisecond)
	})
}

func TestCancelAfterDispatchStillCommits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		env := openTestEnv(t, backend)
		db := openStrings(t, env, "s")

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		finished := make(chan struct{})
		err := db.Update(ctx, func(txn *Txn[string, string]) error {
			defer close(finished)
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return txn.Put("k", "v")
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)

		<-finished
		require.Eventually(t, func() bool {
			got, err := db.Get(context.Background(), "k")
			return err == nil && got == "v"
		}, 5*time.Second, time.Millisecond)
		assert.Equal(t, int64(1), env.disp.Stats().Abandoned)
	})
}
