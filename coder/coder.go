// Package coder maps application values to the bytes stored by the engine.
//
// A Coder[T] encodes a T to bytes and decodes it back. Decode may be handed
// a zero-copy view into engine memory that becomes invalid once the
// surrounding transaction ends, so implementations must neither retain nor
// modify their input. Every built-in coder copies what it needs.
//
// Byte-level transforms such as compression and checksums are Stages that
// wrap an inner coder through Compose:
//
//	c := coder.Compose(coder.JSON[Order](),
//	    coder.Compression(txkv.ZstdCompression, txkv.DefaultCompressionLevel),
//	    coder.Checksum())
//
// Encoding runs the inner coder and then each stage in order; decoding
// reverts the stages in reverse order and then runs the inner coder.
package coder

import (
	"errors"
	"fmt"
)

// ErrEncoding is matched by every encode and decode failure.
var ErrEncoding = errors.New("coder: encoding error")

// Coder converts values of type T to and from bytes.
//
// Decode(Encode(v)) must equal v for every v in the coder's domain.
// Implementations must be safe for concurrent use and must not change
// behaviour while a transaction is using them.
type Coder[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// Error reports a failed encode or decode.
type Error struct {
	// Coder names the coder or stage that failed.
	Coder string
	// Op is "encode" or "decode".
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("coder: %s %s: %v", e.Coder, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrEncoding.
func (e *Error) Is(target error) bool { return target == ErrEncoding }

const (
	opEncode = "encode"
	opDecode = "decode"
)

func encodeErr(name string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Coder: name, Op: opEncode, Err: err}
}

func decodeErr(name string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Coder: name, Op: opDecode, Err: err}
}

// funcCoder adapts a pair of functions.
type funcCoder[T any] struct {
	name string
	enc  func(T) ([]byte, error)
	dec  func([]byte) (T, error)
}

// Funcs builds a coder from an encode and a decode function. Errors they
// return are wrapped in *Error under name.
func Funcs[T any](name string, enc func(T) ([]byte, error), dec func([]byte) (T, error)) Coder[T] {
	return funcCoder[T]{name: name, enc: enc, dec: dec}
}

func (c funcCoder[T]) Encode(v T) ([]byte, error) {
	b, err := c.enc(v)
	if err != nil {
		return nil, encodeErr(c.name, err)
	}
	return b, nil
}

func (c funcCoder[T]) Decode(b []byte) (T, error) {
	v, err := c.dec(b)
	if err != nil {
		var zero T
		return zero, decodeErr(c.name, err)
	}
	return v, nil
}
