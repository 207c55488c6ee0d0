package txkv

// view.go implements View, the guard around bytes borrowed from the engine.

import "bytes"

// View is a read-only window onto a value inside engine memory.
//
// The bytes are valid only while the Txn that produced the View is
// active. Once it commits or aborts, Bytes and Copy return ErrViewExpired.
// The returned slice must never be modified.
type View struct {
	b   []byte
	txn *txnCore
}

// Bytes returns the borrowed value. The slice aliases engine memory and
// must not be retained past the transaction or modified.
func (v *View) Bytes() ([]byte, error) {
	if !v.txn.active() {
		return nil, ErrViewExpired
	}
	return v.b, nil
}

// Copy returns a private copy of the value that outlives the transaction.
func (v *View) Copy() ([]byte, error) {
	if !v.txn.active() {
		return nil, ErrViewExpired
	}
	return bytes.Clone(v.b), nil
}

// Len returns the size of the value. It stays valid after expiry.
func (v *View) Len() int {
	return len(v.b)
}
