// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how a stored payload is compressed. The numeric
// values are persisted in the payload_codec column and must not change.
type Codec uint8

const (
	// CodecNone stores the payload verbatim. Used for small or
	// incompressible payloads.
	CodecNone Codec = 0

	// CodecLZ4 is LZ4 block compression.
	CodecLZ4 Codec = 1

	// CodecZstd is zstd at the default level. JSON frames compress
	// well with it, so it is the default.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCodec parses a codec name as written in configuration.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd", "":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown payload codec %q", name)
	}
}

// minCompressSize is the payload length below which compression is not
// attempted. Short frames grow under both codecs.
const minCompressSize = 64

var errIncompressible = errors.New("payload is incompressible")

// Encoded is a payload ready for storage.
type Encoded struct {
	Codec  Codec
	Data   []byte
	Size   int
	Digest Digest
}

// Encode compresses data with the preferred codec, falling back to
// CodecNone when compression would not shrink it. The digest is always
// computed over the uncompressed bytes.
func Encode(data []byte, preferred Codec) (Encoded, error) {
	encoded := Encoded{Codec: CodecNone, Data: data, Size: len(data), Digest: DigestOf(data)}
	if preferred == CodecNone || len(data) < minCompressSize {
		return encoded, nil
	}

	var compressed []byte
	var err error
	switch preferred {
	case CodecLZ4:
		compressed, err = compressLZ4(data)
	case CodecZstd:
		compressed, err = compressZstd(data)
	default:
		return Encoded{}, fmt.Errorf("unsupported payload codec %s", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return encoded, nil
	}
	if err != nil {
		return Encoded{}, err
	}
	encoded.Codec = preferred
	encoded.Data = compressed
	return encoded, nil
}

// Decode reverses [Encode]. size must equal the original length.
func Decode(data []byte, codec Codec, size int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(data) != size {
			return nil, fmt.Errorf("stored payload: size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CodecLZ4:
		return decompressLZ4(data, size)
	case CodecZstd:
		return decompressZstd(data, size)
	default:
		return nil, fmt.Errorf("unsupported payload codec %s", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

// Encoder and decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("payload: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("payload: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
