// Package checksum provides the masked CRC32C digest used by the crc32c
// value stage.
//
// A stored CRC is masked so that a value which itself embeds a CRC does
// not produce degenerate digests when it is checksummed again.
package checksum

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/aalhour/txkv/internal/encoding"
)

// Size is the length of an encoded masked CRC.
const Size = 4

const maskDelta = 0xa282ead8

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ErrMismatch is returned by Verify when the stored digest does not match.
var ErrMismatch = errors.New("checksum: crc32c mismatch")

// Value computes the CRC32C (Castagnoli) of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend returns the CRC32C of concat(A, data) given initCRC = Value(A).
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}

// Mask rotates crc right by 15 bits and adds a constant.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask reverses Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}

// MaskedValue is Mask(Value(data)).
func MaskedValue(data []byte) uint32 {
	return Mask(Value(data))
}

// Append appends the big-endian masked CRC32C of data to dst.
func Append(dst, data []byte) []byte {
	return encoding.AppendFixed32(dst, MaskedValue(data))
}

// Verify checks the trailing masked CRC32C of b and returns the payload
// in front of it. The payload shares b's backing array with capacity
// clipped to its length.
func Verify(b []byte) ([]byte, error) {
	if len(b) < Size {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the digest", ErrMismatch, len(b))
	}
	n := len(b) - Size
	payload := b[:n:n]
	want := encoding.DecodeFixed32(b[n:])
	if got := MaskedValue(payload); got != want {
		return nil, fmt.Errorf("%w: got %08x, want %08x", ErrMismatch, got, want)
	}
	return payload, nil
}
