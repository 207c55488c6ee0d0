package coder

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zeebo/xxh3"

	"github.com/aalhour/txkv/internal/checksum"
	"github.com/aalhour/txkv/internal/compression"
	"github.com/aalhour/txkv/internal/encoding"
)

// Stage is an invertible byte transform applied after an inner coder.
// Revert(Apply(b)) must equal b. Revert must not modify its input.
type Stage interface {
	Name() string
	Apply(b []byte) ([]byte, error)
	Revert(b []byte) ([]byte, error)
}

// Composed is an inner coder followed by a fixed list of stages.
type Composed[T any] struct {
	inner  Coder[T]
	stages []Stage
}

// Compose wraps inner with stages. Composing an already composed coder
// appends to its stage list, so Compose(Compose(c, a), b) behaves exactly
// like Compose(c, a, b).
func Compose[T any](inner Coder[T], stages ...Stage) *Composed[T] {
	if c, ok := inner.(*Composed[T]); ok {
		all := make([]Stage, 0, len(c.stages)+len(stages))
		all = append(all, c.stages...)
		return &Composed[T]{inner: c.inner, stages: append(all, stages...)}
	}
	return &Composed[T]{inner: inner, stages: slices.Clone(stages)}
}

// Inner returns the innermost value coder.
func (c *Composed[T]) Inner() Coder[T] { return c.inner }

// Stages returns the stage names in application order.
func (c *Composed[T]) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

// Encode implements Coder.
func (c *Composed[T]) Encode(v T) ([]byte, error) {
	b, err := c.inner.Encode(v)
	if err != nil {
		return nil, encodeErr("inner", err)
	}
	for _, s := range c.stages {
		if b, err = s.Apply(b); err != nil {
			return nil, encodeErr(s.Name(), err)
		}
	}
	return b, nil
}

// Decode implements Coder.
func (c *Composed[T]) Decode(b []byte) (T, error) {
	var err error
	for i := len(c.stages) - 1; i >= 0; i-- {
		s := c.stages[i]
		if b, err = s.Revert(b); err != nil {
			var zero T
			return zero, decodeErr(s.Name(), err)
		}
	}
	v, err := c.inner.Decode(b)
	if err != nil {
		var zero T
		return zero, decodeErr("inner", err)
	}
	return v, nil
}

// CompressionType names a compression algorithm. The txkv package exports
// its values as NoCompression, SnappyCompression and so on.
type CompressionType = compression.Type

// Compressed wraps inner with a Compression stage.
func Compressed[T any](inner Coder[T], t CompressionType, level int) *Composed[T] {
	return Compose(inner, Compression(t, level))
}

// Checksummed wraps inner with a Checksum stage.
func Checksummed[T any](inner Coder[T]) *Composed[T] {
	return Compose(inner, Checksum())
}

// Compression returns a stage that compresses with t at level. Values
// carry a one-byte algorithm tag, so values written under one algorithm
// still decode after the stage is reconfigured. A negative level selects
// the algorithm's default (txkv.DefaultCompressionLevel).
func Compression(t CompressionType, level int) Stage {
	return compressionStage{typ: t, level: level}
}

type compressionStage struct {
	typ   compression.Type
	level int
}

func (s compressionStage) Name() string { return "compress(" + s.typ.String() + ")" }

func (s compressionStage) Apply(b []byte) ([]byte, error) {
	return compression.Pack(s.typ, s.level, b)
}

func (s compressionStage) Revert(b []byte) ([]byte, error) {
	return compression.Unpack(b)
}

// ChecksumSize is the number of bytes the Checksum stage appends.
const ChecksumSize = 8

var errChecksum = errors.New("checksum mismatch")

// Checksum returns a stage that appends a big-endian XXH3-64 digest of
// the payload and verifies it on the way back.
func Checksum() Stage { return checksumStage{} }

type checksumStage struct{}

func (checksumStage) Name() string { return "xxh3" }

func (checksumStage) Apply(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b)+ChecksumSize)
	out = append(out, b...)
	return encoding.AppendFixed64(out, xxh3.Hash(b)), nil
}

func (checksumStage) Revert(b []byte) ([]byte, error) {
	if len(b) < ChecksumSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the digest", errChecksum, len(b))
	}
	n := len(b) - ChecksumSize
	payload := b[:n:n]
	want := encoding.DecodeFixed64(b[n:])
	if got := xxh3.Hash(payload); got != want {
		return nil, fmt.Errorf("%w: got %016x, want %016x", errChecksum, got, want)
	}
	return payload, nil
}

// CRC32CSize is the number of bytes the CRC32C stage appends.
const CRC32CSize = checksum.Size

// CRC32C returns a stage that appends a masked CRC32C of the payload.
// It is cheaper on disk than Checksum at the cost of a weaker digest.
func CRC32C() Stage { return crc32cStage{} }

type crc32cStage struct{}

func (crc32cStage) Name() string { return "crc32c" }

func (crc32cStage) Apply(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b)+checksum.Size)
	return checksum.Append(append(out, b...), b), nil
}

func (crc32cStage) Revert(b []byte) ([]byte, error) {
	return checksum.Verify(b)
}
