// Package compression provides the compression algorithms behind the
// compressed coder stage.
//
// A compressed value is stored as a 1-byte compression type indicator
// followed by the compressed (or uncompressed) payload, so a value written
// with one algorithm stays readable after the stage is reconfigured.
package compression

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type uint8

const (
	// NoCompression indicates no compression.
	NoCompression Type = 0x0

	// SnappyCompression uses Google Snappy compression. Levels are ignored.
	SnappyCompression Type = 0x1

	// ZlibCompression uses zlib compression.
	ZlibCompression Type = 0x2

	// LZ4Compression uses LZ4 compression.
	LZ4Compression Type = 0x4

	// LZ4HCCompression uses LZ4 High Compression mode.
	LZ4HCCompression Type = 0x5

	// ZstdCompression uses Zstandard compression.
	ZstdCompression Type = 0x7
)

// DefaultLevel selects the algorithm's default compression level.
const DefaultLevel = -1

var (
	// ErrCorrupt is returned when a packed value cannot be decompressed.
	ErrCorrupt = errors.New("compression: corrupt input")

	// ErrUnsupported is returned for unknown compression types.
	ErrUnsupported = errors.New("compression: unsupported type")
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	case ZlibCompression:
		return "Zlib"
	case LZ4Compression:
		return "LZ4"
	case LZ4HCCompression:
		return "LZ4HC"
	case ZstdCompression:
		return "ZSTD"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case NoCompression, SnappyCompression, ZlibCompression, LZ4Compression, LZ4HCCompression, ZstdCompression:
		return true
	default:
		return false
	}
}

// ParseType maps a name as accepted on the command line to a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zlib":
		return ZlibCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "lz4hc":
		return LZ4HCCompression, nil
	case "zstd":
		return ZstdCompression, nil
	default:
		return NoCompression, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
}

// Compress compresses data using the specified compression type and level.
func Compress(t Type, level int, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Encode(nil, data), nil

	case ZlibCompression:
		if level < 0 {
			level = zlib.DefaultCompression
		}
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("zlib level %d: %w", level, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil

	case LZ4Compression:
		return compressLZ4(data, lz4Level(level, lz4.Fast))

	case LZ4HCCompression:
		return compressLZ4(data, lz4Level(level, lz4.Level9))

	case ZstdCompression:
		return compressZstd(data, level)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

// lz4Level maps a numeric level in [1, 9] to an LZ4 level.
func lz4Level(level int, def lz4.CompressionLevel) lz4.CompressionLevel {
	levels := []lz4.CompressionLevel{
		lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
		lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
	}
	if level < 1 || level > len(levels) {
		return def
	}
	return levels[level-1]
}

// compressLZ4 compresses data using LZ4.
func compressLZ4(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	_, err := w.Write(data)
	if err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// zstd encoders are safe for concurrent EncodeAll calls; keep one per level.
var zstdEncoders sync.Map // zstd.EncoderLevel -> *zstd.Encoder

// compressZstd compresses data using Zstandard.
func compressZstd(data []byte, level int) ([]byte, error) {
	el := zstd.SpeedDefault
	if level > 0 {
		el = zstd.EncoderLevelFromZstd(level)
	}
	if enc, ok := zstdEncoders.Load(el); ok {
		return enc.(*zstd.Encoder).EncodeAll(data, nil), nil
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(el))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	enc, _ := zstdEncoders.LoadOrStore(el, encoder)
	return enc.(*zstd.Encoder).EncodeAll(data, nil), nil
}

// Decompress decompresses data using the specified compression type.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Decode(nil, data)

	case ZlibCompression:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)

	case LZ4Compression, LZ4HCCompression:
		return decompressLZ4(data)

	case ZstdCompression:
		return decompressZstd(data)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

// decompressLZ4 decompresses LZ4 data.
func decompressLZ4(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

// decompressZstd decompresses Zstandard data.
func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}

// Pack compresses data and prefixes the result with its type indicator.
// Empty input is always stored uncompressed.
func Pack(t Type, level int, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{byte(NoCompression)}, nil
	}
	payload, err := Compress(t, level, data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(t))
	return append(out, payload...), nil
}

// Unpack reverses Pack. The returned slice never aliases data.
func Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing type indicator", ErrCorrupt)
	}
	t := Type(data[0])
	if !t.IsSupported() {
		return nil, fmt.Errorf("%w: %w: %s", ErrCorrupt, ErrUnsupported, t)
	}
	if t == NoCompression {
		return bytes.Clone(data[1:]), nil
	}
	out, err := Decompress(t, data[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, t, err)
	}
	return out, nil
}
