package recording

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/INLOpen/nexusreplay/core"
)

// Stream is a positional byte log within a recording, identified by a
// (name, index) pair. While recording, writes are staged and committed as
// chunks. While replaying, reads consume the decompressed chunk data routed
// to the stream, blocking until enough has arrived.
//
// A stream is single-consumer: reads and writes must come from one goroutine
// at a time. Events and Consumed may be read concurrently.
type Stream struct {
	rec   *Recording
	name  core.StreamName
	index uint32

	// staged holds recorded bytes not yet committed as a chunk.
	staged []byte

	// avail holds decompressed replay data; readPos is the cursor into it.
	avail   []byte
	readPos int

	consumed uint64
	events   atomic.Uint64
}

func (s *Stream) Name() core.StreamName { return s.name }
func (s *Stream) Index() uint32         { return s.index }

// Consumed returns the number of bytes written to (recording) or read from
// (replaying) the stream.
func (s *Stream) Consumed() uint64 {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	return s.consumed
}

// BumpEvents increments the stream's event counter.
func (s *Stream) BumpEvents() uint64 {
	return s.events.Add(1)
}

// Events returns the stream's event counter.
func (s *Stream) Events() uint64 {
	return s.events.Load()
}

// WriteByte stages a single byte.
func (s *Stream) WriteByte(b byte) error {
	return s.WriteBytes([]byte{b})
}

// WriteUvarint stages v in unsigned varint encoding.
func (s *Stream) WriteUvarint(v uint64) error {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return s.WriteBytes(tmp[:n])
}

// WriteBytes stages raw bytes, committing a chunk when the staging threshold
// is reached.
func (s *Stream) WriteBytes(b []byte) error {
	r := s.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invalid {
		return core.ErrRecordingInvalid
	}
	s.staged = append(s.staged, b...)
	s.consumed += uint64(len(b))
	if len(s.staged) >= r.chunkSize {
		return r.flushStreamLocked(s)
	}
	return nil
}

// ReadByte consumes one byte, blocking until it is available.
func (s *Stream) ReadByte() (byte, error) {
	r := s.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	requested := false
	for {
		if s.readPos < len(s.avail) {
			b := s.avail[s.readPos]
			s.readPos++
			s.consumed++
			s.compactLocked()
			return b, nil
		}
		if err := s.readWaitLocked(&requested); err != nil {
			return 0, err
		}
	}
}

// ReadUvarint consumes an unsigned varint, blocking until it is complete.
func (s *Stream) ReadUvarint() (uint64, error) {
	r := s.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	requested := false
	for {
		v, n := binary.Uvarint(s.avail[s.readPos:])
		if n > 0 {
			s.readPos += n
			s.consumed += uint64(n)
			s.compactLocked()
			return v, nil
		}
		if n < 0 {
			r.invalidateLocked("stream varint overflow")
			return 0, &core.CorruptionError{Offset: s.consumed, Reason: "varint overflow"}
		}
		if err := s.readWaitLocked(&requested); err != nil {
			return 0, err
		}
	}
}

// TryReadUvarint consumes an unsigned varint if one is fully available. It
// never blocks; ok is false when more data is needed.
func (s *Stream) TryReadUvarint() (v uint64, ok bool, err error) {
	r := s.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	v, n := binary.Uvarint(s.avail[s.readPos:])
	if n > 0 {
		s.readPos += n
		s.consumed += uint64(n)
		s.compactLocked()
		return v, true, nil
	}
	if n < 0 {
		r.invalidateLocked("stream varint overflow")
		return 0, false, &core.CorruptionError{Offset: s.consumed, Reason: "varint overflow"}
	}
	if r.invalid {
		return 0, false, core.ErrRecordingInvalid
	}
	if r.finalized && r.pending.Len() == 0 {
		return 0, false, core.ErrRecordingStalled
	}
	return 0, false, nil
}

// ReadBytes consumes exactly n bytes into a fresh slice, blocking as needed.
func (s *Stream) ReadBytes(n int) ([]byte, error) {
	r := s.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	requested := false
	for {
		if len(s.avail)-s.readPos >= n {
			out := make([]byte, n)
			copy(out, s.avail[s.readPos:s.readPos+n])
			s.readPos += n
			s.consumed += uint64(n)
			s.compactLocked()
			return out, nil
		}
		if err := s.readWaitLocked(&requested); err != nil {
			return nil, err
		}
	}
}

// Discard consumes bytes until the stream's consumed counter reaches total.
// Used to fast-forward streams when restoring a fork snapshot.
func (s *Stream) Discard(total uint64) error {
	r := s.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	requested := false
	for s.consumed < total {
		take := uint64(len(s.avail) - s.readPos)
		if take > 0 {
			if take > total-s.consumed {
				take = total - s.consumed
			}
			s.readPos += int(take)
			s.consumed += take
			s.compactLocked()
			continue
		}
		if err := s.readWaitLocked(&requested); err != nil {
			return err
		}
	}
	return nil
}

// AtEnd reports whether the stream has consumed all data it will ever have.
func (s *Stream) AtEnd() bool {
	r := s.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.readPos >= len(s.avail) && r.finalized && r.pending.Len() == 0
}

// readWaitLocked blocks until the recording signals new data. It fails when
// the recording is invalidated, or finalized with nothing left to route.
// The first wait on each read issues the length request hook so a live
// replay can ask its root process for more data.
func (s *Stream) readWaitLocked(requested *bool) error {
	r := s.rec
	if r.invalid {
		return core.ErrRecordingInvalid
	}
	if r.finalized && r.pending.Len() == 0 {
		return core.ErrRecordingStalled
	}
	if !*requested && r.lengthRequest != nil {
		fn, have := r.lengthRequest, uint64(len(r.buf))
		r.mu.Unlock()
		fn(have)
		r.mu.Lock()
		*requested = true
		return nil
	}
	r.cond.Wait()
	return nil
}

// compactLocked sheds consumed replay data once the cursor is far enough in.
func (s *Stream) compactLocked() {
	if s.readPos >= 64*1024 && s.readPos*2 >= len(s.avail) {
		s.avail = append([]byte(nil), s.avail[s.readPos:]...)
		s.readPos = 0
	}
}
