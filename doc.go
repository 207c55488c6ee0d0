/*
Package txkv provides a non-blocking, typed interface over an embedded,
transactional, memory-mapped key-value store.

The storage engines underneath (bbolt by default, pebble optionally) are
synchronous and allow a single writer. txkv moves every engine transaction
onto a bounded pool of workers: read transactions run in parallel, write
transactions pass a FIFO queue one at a time, and the calling goroutine
only waits for its own result, honouring its context.

# Object model

An Env owns one engine file, the worker pool and a registry of named
databases. A Database[K, V] binds a named sub-store to a key coder and a
value coder (see package coder). Coders are captured when an operation is
submitted, so swapping them affects only later operations.

	env, err := txkv.Open("data.db", nil)
	...
	users, err := txkv.OpenDB(ctx, env, "users", coder.Uint64, coder.JSON[User]())
	...
	err = users.Put(ctx, 42, User{Name: "ada"})
	u, err := users.Get(ctx, 42)

Multi-step work runs inside one transaction through View, Update or Run.
A Txn is valid only inside its callback.

# Zero-copy reads

Txn.GetView returns a View over engine memory. It can be read only while
the Txn is active; afterwards Bytes and Copy return ErrViewExpired. Values
returned by Database methods are always decoded inside the transaction and
never alias engine memory.

# Cancellation

A context that ends while an operation is still queued withdraws it. A
context that ends after the operation was dispatched returns the context
error immediately; the transaction still runs to commit or abort in the
background.

# Concurrency

Env and Database are safe for concurrent use. Txn and View are not.
*/
package txkv
