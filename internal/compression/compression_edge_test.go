package compression

import (
	"bytes"
	"errors"
	"testing"
)

// TestPackEmptyData checks that empty input survives every algorithm.
func TestPackEmptyData(t *testing.T) {
	for _, typ := range allTypes {
		packed, err := Pack(typ, DefaultLevel, nil)
		if err != nil {
			t.Fatalf("Pack(%s, empty) failed: %v", typ, err)
		}
		if len(packed) != 1 || Type(packed[0]) != NoCompression {
			t.Errorf("Pack(%s, empty) = %v, want a bare NoCompression indicator", typ, packed)
		}

		unpacked, err := Unpack(packed)
		if err != nil {
			t.Fatalf("Unpack(%s, empty) failed: %v", typ, err)
		}
		if len(unpacked) != 0 {
			t.Errorf("Unpack(%s, empty) = %v, want empty", typ, unpacked)
		}
	}
}

// TestPackTypeIndicator checks the leading byte records the algorithm.
func TestPackTypeIndicator(t *testing.T) {
	data := []byte("indicator indicator indicator")
	for _, typ := range allTypes {
		packed, err := Pack(typ, DefaultLevel, data)
		if err != nil {
			t.Fatalf("Pack(%s) failed: %v", typ, err)
		}
		if Type(packed[0]) != typ {
			t.Errorf("Pack(%s) indicator = %s", typ, Type(packed[0]))
		}
	}
}

// TestUnpackDoesNotAlias checks the uncompressed path copies.
func TestUnpackDoesNotAlias(t *testing.T) {
	packed, err := Pack(NoCompression, DefaultLevel, []byte("abc"))
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	unpacked, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	packed[1] = 'z'
	if !bytes.Equal(unpacked, []byte("abc")) {
		t.Errorf("Unpack result changed with its input: %q", unpacked)
	}
}

// TestUnpackCorrupt tests Unpack with garbage and truncated input.
func TestUnpackCorrupt(t *testing.T) {
	data := bytes.Repeat([]byte("corruption target "), 50)

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"unknown_type", []byte{0x3, 1, 2, 3}},
		{"snappy_garbage", []byte{byte(SnappyCompression), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"zlib_garbage", []byte{byte(ZlibCompression), 0x00, 0x01, 0x02}},
		{"lz4_garbage", []byte{byte(LZ4Compression), 0xDE, 0xAD, 0xBE, 0xEF}},
		{"zstd_garbage", []byte{byte(ZstdCompression), 0xDE, 0xAD, 0xBE, 0xEF}},
	}

	for _, typ := range []Type{SnappyCompression, ZlibCompression, LZ4Compression, ZstdCompression} {
		packed, err := Pack(typ, DefaultLevel, data)
		if err != nil {
			t.Fatalf("Pack(%s) failed: %v", typ, err)
		}
		tests = append(tests, struct {
			name  string
			input []byte
		}{"truncated_" + typ.String(), packed[:len(packed)/2]})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unpack(tt.input)
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("Unpack(%v) error = %v, want %v", tt.input, err, ErrCorrupt)
			}
		})
	}
}

// TestDecompressInvalidData tests Decompress with invalid compressed data.
func TestDecompressInvalidData(t *testing.T) {
	invalidData := []byte{0xFF, 0xFE, 0xFD, 0xFC, 0xFB}

	for _, typ := range []Type{SnappyCompression, ZlibCompression, ZstdCompression} {
		if _, err := Decompress(typ, invalidData); err == nil {
			t.Errorf("Decompress(%s) should fail on invalid data", typ)
		}
	}
}
