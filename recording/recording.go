package recording

import (
	"encoding/binary"
	"expvar"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusreplay/compressors"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/skiplist"
)

// Chunk layout, little-endian:
//
//	name(1) compression(1) index(4) compLen(4) rawLen(4) crc(4) payload(compLen)
//
// The crc covers the payload only. Chunks are self-describing so a replaying
// process can route data that arrives in any order once the byte range
// containing a complete chunk is present.
const chunkHeaderSize = 1 + 1 + 4 + 4 + 4 + 4

// DefaultChunkSize is the stream staging threshold before a chunk is
// committed to the recording.
const DefaultChunkSize = 16 * 1024

var (
	metricChunksCommitted = expvar.NewInt("nexusreplay_recording_chunks_committed")
	metricBytesCommitted  = expvar.NewInt("nexusreplay_recording_bytes_committed")
	metricPendingSegments = expvar.NewInt("nexusreplay_recording_pending_segments")
	metricCorruptChunks   = expvar.NewInt("nexusreplay_recording_corrupt_chunks")
)

type streamKey struct {
	name  core.StreamName
	index uint32
}

// Options configures a Recording.
type Options struct {
	Role       core.ProcessRole
	Compressor core.Compressor
	ChunkSize  int
	Logger     *slog.Logger
}

// Recording is the byte-level representation of a program execution. It is a
// flat append-only buffer of self-describing stream chunks. While recording,
// streams stage writes and commit them as chunks. While replaying, contents
// arrive via NewContents in arbitrary byte ranges, possibly out of order and
// overlapping, and complete chunks are routed to their streams as the
// committed prefix grows.
type Recording struct {
	mu   sync.Mutex
	cond *sync.Cond

	role       core.ProcessRole
	compressor core.Compressor
	chunkSize  int
	logger     *slog.Logger

	buf     []byte
	scanPos uint64

	// pending holds replay byte ranges whose start offset is beyond the
	// committed prefix, keyed by absolute start offset.
	pending *skiplist.SkipList[uint64, []byte]

	streams map[streamKey]*Stream
	order   []*Stream

	finalized     bool
	invalid       bool
	invalidReason string

	lengthRequest func(have uint64)
	lockUpdate    func(lockID uint32)
	onInvalidate  func(reason string)
}

// New creates a Recording for the given role.
func New(opts Options) *Recording {
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewLz4Compressor()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Recording{
		role:       opts.Role,
		compressor: opts.Compressor,
		chunkSize:  opts.ChunkSize,
		logger:     opts.Logger.With("component", "recording"),
		pending: skiplist.NewWithComparator[uint64, []byte](func(a, b uint64) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		}),
		streams: make(map[streamKey]*Stream),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Role returns the recording's process role.
func (r *Recording) Role() core.ProcessRole {
	return r.role
}

// Compressor returns the chunk compressor in use.
func (r *Recording) Compressor() core.Compressor {
	return r.compressor
}

// Stream returns the stream with the given name and index, creating it if
// needed. Streams are never removed.
func (r *Recording) Stream(name core.StreamName, index uint32) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamLocked(name, index)
}

func (r *Recording) streamLocked(name core.StreamName, index uint32) *Stream {
	key := streamKey{name, index}
	if s, ok := r.streams[key]; ok {
		return s
	}
	s := &Stream{rec: r, name: name, index: index}
	r.streams[key] = s
	r.order = append(r.order, s)
	return s
}

// Size returns the committed length of the recording in bytes. Staged stream
// data that has not been flushed is not included.
func (r *Recording) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.buf))
}

// Flush commits all staged stream data as chunks and returns the new
// committed length. The returned length is a consistent cut: a replay fed
// exactly this prefix observes every event recorded before the flush.
func (r *Recording) Flush() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invalid {
		return 0, core.ErrRecordingInvalid
	}
	for _, s := range r.order {
		if err := r.flushStreamLocked(s); err != nil {
			return 0, err
		}
	}
	return uint64(len(r.buf)), nil
}

// flushStreamLocked commits s's staged bytes as one chunk.
func (r *Recording) flushStreamLocked(s *Stream) error {
	if len(s.staged) == 0 {
		return nil
	}
	raw := s.staged
	compType := r.compressor.Type()
	comp, err := r.compressor.Compress(raw)
	if err != nil || len(comp) >= len(raw) {
		// Incompressible chunk; store it raw.
		compType = core.CompressionNone
		comp = raw
	}

	var hdr [chunkHeaderSize]byte
	hdr[0] = byte(s.name)
	hdr[1] = byte(compType)
	binary.LittleEndian.PutUint32(hdr[2:6], s.index)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(len(comp)))
	binary.LittleEndian.PutUint32(hdr[10:14], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[14:18], crc32.ChecksumIEEE(comp))

	r.buf = append(r.buf, hdr[:]...)
	r.buf = append(r.buf, comp...)
	s.staged = nil

	metricChunksCommitted.Add(1)
	metricBytesCommitted.Add(int64(chunkHeaderSize + len(comp)))
	return nil
}

// BytesFrom returns a copy of the committed contents starting at offset.
// Offsets past the end yield an empty slice.
func (r *Recording) BytesFrom(offset uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset >= uint64(len(r.buf)) {
		return nil
	}
	out := make([]byte, uint64(len(r.buf))-offset)
	copy(out, r.buf[offset:])
	return out
}

// SetLengthRequestFunc installs a hook invoked when a reader needs the
// committed prefix to grow beyond what is present. have is the current
// length. The hook must not call back into the Recording synchronously with
// data; delivery happens via NewContents from another goroutine.
func (r *Recording) SetLengthRequestFunc(fn func(have uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lengthRequest = fn
}

// SetInvalidateFunc installs a hook invoked when the recording is
// invalidated, with the reason. It runs on its own goroutine.
func (r *Recording) SetInvalidateFunc(fn func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInvalidate = fn
}

// SetLockUpdateFunc installs a hook invoked after NewContents routes data to
// a lock stream. The hook runs without the recording lock held.
func (r *Recording) SetLockUpdateFunc(fn func(lockID uint32)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockUpdate = fn
}

// NewContents incorporates replay data covering [offset, offset+len(data)).
// Ranges may arrive out of order, may duplicate bytes already present and
// may overlap the committed prefix; only bytes beyond the current end are
// kept. Ranges starting past the end are parked until the gap fills.
func (r *Recording) NewContents(offset uint64, data []byte) error {
	if r.role != core.RoleReplaying {
		return fmt.Errorf("NewContents on a %s recording", r.role)
	}
	var updatedLocks []uint32
	r.mu.Lock()
	if r.invalid {
		r.mu.Unlock()
		return core.ErrRecordingInvalid
	}
	r.mergeLocked(offset, data)
	err := r.scanLocked(&updatedLocks)
	fn := r.lockUpdate
	r.cond.Broadcast()
	r.mu.Unlock()

	if fn != nil {
		for _, id := range updatedLocks {
			fn(id)
		}
	}
	return err
}

func (r *Recording) mergeLocked(offset uint64, data []byte) {
	have := uint64(len(r.buf))
	end := offset + uint64(len(data))
	switch {
	case end <= have:
		// Entirely duplicate.
	case offset <= have:
		r.buf = append(r.buf, data[have-offset:]...)
	default:
		// Keep the longest range parked at each offset. A shorter
		// duplicate delivery must not clobber bytes already parked.
		if node, ok := r.pending.Seek(offset); ok && node.Key() == offset && len(node.Value()) >= len(data) {
			break
		}
		parked := make([]byte, len(data))
		copy(parked, data)
		if r.pending.Insert(offset, parked) == nil {
			metricPendingSegments.Add(1)
		}
	}
	r.drainPendingLocked()
}

// drainPendingLocked appends any parked ranges now reachable from the
// committed prefix. The skiplist has no remove, so surviving entries are
// reinserted after a clear; the pending set is small in practice.
func (r *Recording) drainPendingLocked() {
	for {
		if r.pending.Len() == 0 {
			return
		}
		appended := false
		var survivors []struct {
			off  uint64
			data []byte
		}
		it := r.pending.NewIterator()
		for it.Next() {
			off, data := it.Key(), it.Value()
			have := uint64(len(r.buf))
			end := off + uint64(len(data))
			switch {
			case end <= have:
				metricPendingSegments.Add(-1)
			case off <= have:
				r.buf = append(r.buf, data[have-off:]...)
				metricPendingSegments.Add(-1)
				appended = true
			default:
				survivors = append(survivors, struct {
					off  uint64
					data []byte
				}{off, data})
			}
		}
		r.pending.Clear()
		for _, sv := range survivors {
			r.pending.Insert(sv.off, sv.data)
		}
		if !appended {
			return
		}
	}
}

// scanLocked parses complete chunks from the committed prefix and routes
// their decompressed payloads to streams.
func (r *Recording) scanLocked(updatedLocks *[]uint32) error {
	for {
		rest := r.buf[r.scanPos:]
		if len(rest) < chunkHeaderSize {
			return nil
		}
		name := core.StreamName(rest[0])
		compType := core.CompressionType(rest[1])
		index := binary.LittleEndian.Uint32(rest[2:6])
		compLen := binary.LittleEndian.Uint32(rest[6:10])
		rawLen := binary.LittleEndian.Uint32(rest[10:14])
		crc := binary.LittleEndian.Uint32(rest[14:18])
		if len(rest) < chunkHeaderSize+int(compLen) {
			return nil
		}
		payload := rest[chunkHeaderSize : chunkHeaderSize+int(compLen)]
		if got := crc32.ChecksumIEEE(payload); got != crc {
			metricCorruptChunks.Add(1)
			r.invalidateLocked(fmt.Sprintf("chunk crc mismatch at offset %d", r.scanPos))
			return &core.CorruptionError{Offset: r.scanPos, Reason: "chunk crc mismatch"}
		}
		raw, err := r.decompressChunk(compType, payload, int(rawLen))
		if err != nil {
			metricCorruptChunks.Add(1)
			r.invalidateLocked(fmt.Sprintf("chunk decode failed at offset %d: %v", r.scanPos, err))
			return &core.CorruptionError{Offset: r.scanPos, Reason: err.Error()}
		}
		s := r.streamLocked(name, index)
		s.avail = append(s.avail, raw...)
		if name == core.StreamLock {
			*updatedLocks = append(*updatedLocks, index)
		}
		r.scanPos += uint64(chunkHeaderSize) + uint64(compLen)
	}
}

func (r *Recording) decompressChunk(t core.CompressionType, payload []byte, rawLen int) ([]byte, error) {
	if t == r.compressor.Type() {
		return r.compressor.Decompress(payload, rawLen)
	}
	c, err := compressors.NewCompressor(t)
	if err != nil {
		return nil, err
	}
	return c.Decompress(payload, rawLen)
}

// EnsureLength blocks until the committed prefix reaches at least length
// bytes. If the recording is finalized or invalidated first, the wait fails.
func (r *Recording) EnsureLength(length uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	requested := false
	for uint64(len(r.buf)) < length {
		if r.invalid {
			return core.ErrRecordingInvalid
		}
		if r.finalized {
			return core.ErrRecordingStalled
		}
		if !requested && r.lengthRequest != nil {
			fn, have := r.lengthRequest, uint64(len(r.buf))
			r.mu.Unlock()
			fn(have)
			r.mu.Lock()
			requested = true
			continue
		}
		r.cond.Wait()
	}
	return nil
}

// Finalize marks the recording as complete: no further NewContents calls
// will arrive. Blocked readers past the final data fail with
// ErrRecordingStalled.
func (r *Recording) Finalize() {
	r.mu.Lock()
	r.finalized = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Finalized reports whether the recording has been finalized.
func (r *Recording) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// Invalidate marks the recording unusable. All current and future waits and
// operations fail with ErrRecordingInvalid.
func (r *Recording) Invalidate(reason string) {
	r.mu.Lock()
	r.invalidateLocked(reason)
	r.mu.Unlock()
}

func (r *Recording) invalidateLocked(reason string) {
	if r.invalid {
		return
	}
	r.invalid = true
	r.invalidReason = reason
	r.logger.Error("recording invalidated", "reason", reason)
	r.cond.Broadcast()
	if fn := r.onInvalidate; fn != nil {
		// Run outside the lock; the callback may call back in.
		go fn(reason)
	}
}

// Invalid reports whether the recording has been invalidated, and why.
func (r *Recording) Invalid() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid, r.invalidReason
}

// TotalEvents returns the sum of event counts across all thread event
// streams. Used as a progress component for hang detection.
func (r *Recording) TotalEvents() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, s := range r.order {
		if s.name == core.StreamEvent {
			total += s.events.Load()
		}
	}
	return total
}

// StreamSnapshot captures a stream's consumption state for fork snapshots.
type StreamSnapshot struct {
	Name     core.StreamName
	Index    uint32
	Consumed uint64
	Events   uint64
}

// SnapshotStreams returns the consumption state of every stream, in creation
// order.
func (r *Recording) SnapshotStreams() []StreamSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StreamSnapshot, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, StreamSnapshot{
			Name:     s.name,
			Index:    s.index,
			Consumed: s.consumed,
			Events:   s.events.Load(),
		})
	}
	return out
}

// FastForward advances streams to the positions in a snapshot. The required
// recording data must already be present or arriving; reads block as usual.
func (r *Recording) FastForward(snaps []StreamSnapshot) error {
	for _, sn := range snaps {
		s := r.Stream(sn.Name, sn.Index)
		if err := s.Discard(sn.Consumed); err != nil {
			return fmt.Errorf("fast-forward %s/%d to %d: %w", sn.Name, sn.Index, sn.Consumed, err)
		}
		s.events.Store(sn.Events)
	}
	return nil
}
