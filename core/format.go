package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	// RecordingMagic identifies a saved recording file ("NXRR").
	RecordingMagic uint32 = 0x4E585252
	// SnapshotMagic identifies a saved fork snapshot file ("NXSN").
	SnapshotMagic uint32 = 0x4E58534E

	// FormatVersion is the current on-disk and on-wire format version.
	FormatVersion uint8 = 1
)

// FileHeader is a standard header for all persistent recording files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified
// magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// WriteTo writes the header in little-endian order.
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, fmt.Errorf("failed to write file header: %w", err)
	}
	return int64(h.Size()), nil
}

// ReadFileHeader reads and validates a header against the expected magic.
func ReadFileHeader(r io.Reader, magic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read file header: %w", err)
	}
	if h.Magic != magic {
		return h, &CorruptionError{Offset: 0, Reason: fmt.Sprintf("bad magic 0x%X, want 0x%X", h.Magic, magic)}
	}
	if h.Version != FormatVersion {
		return h, &CorruptionError{Offset: 0, Reason: fmt.Sprintf("unsupported format version %d", h.Version)}
	}
	return h, nil
}
