package txkv_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aalhour/txkv"
	"github.com/aalhour/txkv/coder"
)

func ExampleOpen() {
	dir, err := os.MkdirTemp("", "txkv-example-*")
	if err != nil {
		panic(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	env, err := txkv.Open(filepath.Join(dir, "example.db"), txkv.DefaultOptions())
	if err != nil {
		panic(err)
	}
	defer func() { _ = env.Close() }()

	db := env.DefaultDatabase()
	ctx := context.Background()
	if err := db.Put(ctx, []byte("k"), []byte("v")); err != nil {
		panic(err)
	}

	val, err := db.Get(ctx, []byte("k"))
	if err != nil {
		panic(err)
	}

	fmt.Println(string(val))
	// Output:
	// v
}

func ExampleRun() {
	dir, err := os.MkdirTemp("", "txkv-example-*")
	if err != nil {
		panic(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	env, err := txkv.Open(filepath.Join(dir, "example.db"), txkv.DefaultOptions())
	if err != nil {
		panic(err)
	}
	defer func() { _ = env.Close() }()

	counters, err := txkv.OpenDB(context.Background(), env, "counters", coder.String, coder.Uint64)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	incr := func(name string) (uint64, error) {
		return txkv.Run(ctx, counters, txkv.WriteTxn, func(txn *txkv.Txn[string, uint64]) (uint64, error) {
			cur, err := txn.Get(name)
			if err != nil && !errors.Is(err, txkv.ErrKeyNotFound) {
				return 0, err
			}
			return cur + 1, txn.Put(name, cur+1)
		})
	}

	for range 3 {
		if _, err := incr("hits"); err != nil {
			panic(err)
		}
	}
	n, err := counters.Get(ctx, "hits")
	if err != nil {
		panic(err)
	}
	fmt.Println(n)
	// Output:
	// 3
}
