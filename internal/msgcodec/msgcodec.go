// Package msgcodec provides payload compression and decompression for
// blobs persisted by the store (blackboard payloads, checkpoints).
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm applied to a stored payload.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// minCompressSize is the payload size below which compression is skipped;
// tiny payloads grow under zstd framing.
const minCompressSize = 128

// Compress compresses the given data using zstd and returns the compressed
// bytes along with the applied Compression value. Payloads smaller than
// the framing overhead threshold are stored uncompressed.
func Compress(data []byte) ([]byte, Compression, error) {
	if len(data) < minCompressSize {
		return data, CompressionNone, nil
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd, nil
}

// Decompress decompresses data according to the given compression algorithm.
// Returns an error for unsupported compression values.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %q", compression)
	}
}
