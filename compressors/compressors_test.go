package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressible() []byte {
	return bytes.Repeat([]byte("the same recorded event over and over "), 50)
}

func TestCompressorRoundTrips(t *testing.T) {
	cases := []struct {
		name string
		c    core.Compressor
	}{
		{"none", &NoCompressionCompressor{}},
		{"lz4", NewLz4Compressor()},
		{"snappy", NewSnappyCompressor()},
		{"zstd", NewZstdCompressor()},
	}
	data := compressible()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			comp, err := tc.c.Compress(data)
			require.NoError(t, err)
			raw, err := tc.c.Decompress(comp, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, raw)
			if tc.c.Type() != core.CompressionNone {
				assert.Less(t, len(comp), len(data), "repetitive data should shrink")
			}
		})
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}
	for _, c := range []core.Compressor{NewLz4Compressor(), NewSnappyCompressor(), NewZstdCompressor()} {
		_, err := c.Decompress(garbage, 1024)
		assert.Error(t, err, "compressor %s accepted garbage", c.Type())
	}
}

func TestFactory(t *testing.T) {
	for _, ct := range []core.CompressionType{
		core.CompressionNone, core.CompressionLZ4, core.CompressionSnappy, core.CompressionZSTD,
	} {
		c, err := NewCompressor(ct)
		require.NoError(t, err)
		assert.Equal(t, ct, c.Type())
	}
	_, err := NewCompressor(core.CompressionType(99))
	assert.Error(t, err)
}
