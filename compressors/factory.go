package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusreplay/core"
)

// NewCompressor returns the compressor implementing the given type.
func NewCompressor(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}
