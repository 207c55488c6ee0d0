package coder

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aalhour/txkv/internal/encoding"
)

var (
	errInvalidUTF8 = errors.New("invalid UTF-8")
	errWidth       = errors.New("wrong byte width")
)

// Identity stores byte slices as they are. Decode returns a copy.
var Identity Coder[[]byte] = identityCoder{}

type identityCoder struct{}

func (identityCoder) Encode(v []byte) ([]byte, error) { return v, nil }

func (identityCoder) Decode(b []byte) ([]byte, error) { return append([]byte{}, b...), nil }

// String stores strings as UTF-8 and rejects invalid UTF-8 both ways.
var String Coder[string] = stringCoder{}

type stringCoder struct{}

func (stringCoder) Encode(v string) ([]byte, error) {
	if !utf8.ValidString(v) {
		return nil, &Error{Coder: "string", Op: opEncode, Err: errInvalidUTF8}
	}
	return []byte(v), nil
}

func (stringCoder) Decode(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", &Error{Coder: "string", Op: opDecode, Err: errInvalidUTF8}
	}
	return string(b), nil
}

// Big-endian fixed-width unsigned integers. Byte order equals numeric
// order, so integer keys sort numerically in the engine.
var (
	Uint16 Coder[uint16] = uintCoder[uint16]{width: 2}
	Uint32 Coder[uint32] = uintCoder[uint32]{width: 4}
	Uint64 Coder[uint64] = uintCoder[uint64]{width: 8}
)

type uintCoder[T uint16 | uint32 | uint64] struct {
	width int
}

func (c uintCoder[T]) name() string { return fmt.Sprintf("uint%d", c.width*8) }

func (c uintCoder[T]) Encode(v T) ([]byte, error) {
	return encoding.AppendFixed(make([]byte, 0, c.width), c.width, uint64(v)), nil
}

func (c uintCoder[T]) Decode(b []byte) (T, error) {
	if len(b) != c.width {
		return 0, &Error{Coder: c.name(), Op: opDecode, Err: fmt.Errorf("%w: got %d bytes, want %d", errWidth, len(b), c.width)}
	}
	v, err := encoding.DecodeFixed(b)
	if err != nil {
		return 0, &Error{Coder: c.name(), Op: opDecode, Err: err}
	}
	return T(v), nil
}

// FixedUint returns a uint64 coder of the given width in bytes (2, 4 or
// 8). Encoding a value that does not fit fails with ErrEncoding.
func FixedUint(width int) (Coder[uint64], error) {
	switch width {
	case 2, 4, 8:
		return fixedUintCoder{width: width}, nil
	default:
		return nil, fmt.Errorf("coder: fixed width must be 2, 4 or 8, got %d", width)
	}
}

type fixedUintCoder struct {
	width int
}

func (c fixedUintCoder) name() string { return fmt.Sprintf("fixed%d", c.width) }

func (c fixedUintCoder) Encode(v uint64) ([]byte, error) {
	if c.width < 8 && v>>(uint(c.width)*8) != 0 {
		return nil, &Error{Coder: c.name(), Op: opEncode, Err: fmt.Errorf("value %d out of range", v)}
	}
	return encoding.AppendFixed(make([]byte, 0, c.width), c.width, v), nil
}

func (c fixedUintCoder) Decode(b []byte) (uint64, error) {
	if len(b) != c.width {
		return 0, &Error{Coder: c.name(), Op: opDecode, Err: fmt.Errorf("%w: got %d bytes, want %d", errWidth, len(b), c.width)}
	}
	return encoding.DecodeFixed(b)
}

// JSON returns a coder using encoding/json.
func JSON[T any]() Coder[T] { return jsonCoder[T]{} }

type jsonCoder[T any] struct{}

func (jsonCoder[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Coder: "json", Op: opEncode, Err: err}
	}
	return b, nil
}

func (jsonCoder[T]) Decode(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		var zero T
		return zero, &Error{Coder: "json", Op: opDecode, Err: err}
	}
	return v, nil
}

// Msgpack returns a coder for arbitrary values using MessagePack.
func Msgpack[T any]() Coder[T] { return msgpackCoder[T]{} }

type msgpackCoder[T any] struct{}

func (msgpackCoder[T]) Encode(v T) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, &Error{Coder: "msgpack", Op: opEncode, Err: err}
	}
	return b, nil
}

func (msgpackCoder[T]) Decode(b []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(b, &v); err != nil {
		var zero T
		return zero, &Error{Coder: "msgpack", Op: opDecode, Err: err}
	}
	return v, nil
}
