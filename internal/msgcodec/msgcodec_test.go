package msgcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("fleet orchestration payload "), 64)

	compressed, compression, err := Compress(data)
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, compression)
	assert.Less(t, len(compressed), len(data))

	restored, err := Decompress(compressed, compression)
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestCompressSkipsSmallPayloads(t *testing.T) {
	data := []byte(`{"goal":"short"}`)

	out, compression, err := Compress(data)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, compression)
	assert.Equal(t, data, out)

	restored, err := Decompress(out, compression)
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestDecompressEmptyCompressionTag(t *testing.T) {
	data := []byte("raw")
	restored, err := Decompress(data, "")
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestDecompressUnknownCompression(t *testing.T) {
	_, err := Decompress([]byte("x"), Compression("lz4"))
	assert.Error(t, err)
}
