package recording

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/INLOpen/nexusreplay/compressors"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/sys"
)

// Saved recording layout, little-endian:
//
//	FileHeader | contentLen(8) | contents | crc(4)
//
// The crc covers the contents only; individual chunks carry their own
// checksums on top of this.

// Save flushes the recording and writes its committed contents to path
// atomically.
func (r *Recording) Save(path string) error {
	if _, err := r.Flush(); err != nil {
		return err
	}
	contents := r.BytesFrom(0)

	var buf bytes.Buffer
	hdr := core.NewFileHeader(core.RecordingMagic, r.compressor.Type())
	if _, err := hdr.WriteTo(&buf); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(contents))); err != nil {
		return fmt.Errorf("failed to write recording length: %w", err)
	}
	buf.Write(contents)
	if err := binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(contents)); err != nil {
		return fmt.Errorf("failed to write recording checksum: %w", err)
	}
	return sys.WriteFileAtomic(path, buf.Bytes(), 0644)
}

// Load reads a saved recording and returns a finalized replaying Recording.
func Load(path string, opts Options) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording file: %w", err)
	}
	rd := bytes.NewReader(data)
	hdr, err := core.ReadFileHeader(rd, core.RecordingMagic)
	if err != nil {
		return nil, err
	}
	var length uint64
	if err := binary.Read(rd, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read recording length: %w", err)
	}
	if uint64(rd.Len()) < length+4 {
		return nil, &core.CorruptionError{Offset: uint64(len(data) - rd.Len()), Reason: "truncated recording file"}
	}
	contents := make([]byte, length)
	if _, err := rd.Read(contents); err != nil {
		return nil, fmt.Errorf("failed to read recording contents: %w", err)
	}
	var crc uint32
	if err := binary.Read(rd, binary.LittleEndian, &crc); err != nil {
		return nil, fmt.Errorf("failed to read recording checksum: %w", err)
	}
	if got := crc32.ChecksumIEEE(contents); got != crc {
		return nil, &core.CorruptionError{Offset: 0, Reason: "recording checksum mismatch"}
	}

	opts.Role = core.RoleReplaying
	if opts.Compressor == nil || opts.Compressor.Type() != hdr.CompressorType {
		comp, err := compressors.NewCompressor(hdr.CompressorType)
		if err != nil {
			return nil, err
		}
		opts.Compressor = comp
	}
	r := New(opts)
	if err := r.NewContents(0, contents); err != nil {
		return nil, err
	}
	r.Finalize()
	return r, nil
}
