package child

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/recording"
	"github.com/INLOpen/nexusreplay/sys"
)

// Snapshot captures everything a forked process needs to resume replaying
// from a checkpoint: how far each stream had been consumed and how much of
// the recording the parent had incorporated.
type Snapshot struct {
	ForkID          core.ForkID
	CheckpointIndex uint64
	Progress        uint64
	RecordingLength uint64
	Streams         []recording.StreamSnapshot
}

// MarshalBinary encodes the snapshot body, without header or checksum.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	var scratch [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		buf.Write(scratch[:n])
	}
	putUvarint(uint64(s.ForkID))
	putUvarint(s.CheckpointIndex)
	putUvarint(s.Progress)
	putUvarint(s.RecordingLength)
	putUvarint(uint64(len(s.Streams)))
	for _, st := range s.Streams {
		putUvarint(uint64(st.Name))
		putUvarint(uint64(st.Index))
		putUvarint(st.Consumed)
		putUvarint(st.Events)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a snapshot body produced by MarshalBinary.
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	read := func() (uint64, error) { return binary.ReadUvarint(rd) }

	forkID, err := read()
	if err != nil {
		return fmt.Errorf("snapshot fork id: %w", err)
	}
	s.ForkID = core.ForkID(forkID)
	if s.CheckpointIndex, err = read(); err != nil {
		return fmt.Errorf("snapshot checkpoint: %w", err)
	}
	if s.Progress, err = read(); err != nil {
		return fmt.Errorf("snapshot progress: %w", err)
	}
	if s.RecordingLength, err = read(); err != nil {
		return fmt.Errorf("snapshot recording length: %w", err)
	}
	count, err := read()
	if err != nil {
		return fmt.Errorf("snapshot stream count: %w", err)
	}
	s.Streams = make([]recording.StreamSnapshot, 0, count)
	for i := uint64(0); i < count; i++ {
		var st recording.StreamSnapshot
		name, err := read()
		if err != nil {
			return fmt.Errorf("snapshot stream %d name: %w", i, err)
		}
		st.Name = core.StreamName(name)
		idx, err := read()
		if err != nil {
			return fmt.Errorf("snapshot stream %d index: %w", i, err)
		}
		st.Index = uint32(idx)
		if st.Consumed, err = read(); err != nil {
			return fmt.Errorf("snapshot stream %d consumed: %w", i, err)
		}
		if st.Events, err = read(); err != nil {
			return fmt.Errorf("snapshot stream %d events: %w", i, err)
		}
		s.Streams = append(s.Streams, st)
	}
	return nil
}

// WriteFile persists the snapshot atomically.
func (s *Snapshot) WriteFile(path string) error {
	body, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	header := core.NewFileHeader(core.SnapshotMagic, core.CompressionNone)
	if _, err := header.WriteTo(buf); err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(body))
	buf.Write(crcBuf[:])
	return sys.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// ReadSnapshotFile loads and validates a snapshot written by WriteFile.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rd := bytes.NewReader(data)
	if _, err := core.ReadFileHeader(rd, core.SnapshotMagic); err != nil {
		return nil, err
	}
	var lenBuf [8]byte
	if _, err := rd.Read(lenBuf[:]); err != nil {
		return nil, &core.CorruptionError{Reason: "snapshot truncated before body length"}
	}
	bodyLen := binary.LittleEndian.Uint64(lenBuf[:])
	if uint64(rd.Len()) < bodyLen+4 {
		return nil, &core.CorruptionError{Reason: "snapshot truncated"}
	}
	body := make([]byte, bodyLen)
	if _, err := rd.Read(body); err != nil {
		return nil, &core.CorruptionError{Reason: "snapshot body unreadable"}
	}
	var crcBuf [4]byte
	if _, err := rd.Read(crcBuf[:]); err != nil {
		return nil, &core.CorruptionError{Reason: "snapshot missing checksum"}
	}
	if crc := crc32.ChecksumIEEE(body); crc != binary.LittleEndian.Uint32(crcBuf[:]) {
		return nil, &core.CorruptionError{Reason: "snapshot checksum mismatch"}
	}
	snap := &Snapshot{}
	if err := snap.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	return snap, nil
}
