package engine

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
)

// Event wire format within a thread's event stream:
//
//	kind(1) tagLen(uvarint) tag payload
//
// Replaying verifies kind and tag before consuming the payload; a mismatch
// means the replay has taken a different path than the recording and the
// thread diverges.

// RecordOrReplayValue records v while recording and returns it; while
// replaying it returns the recorded value instead. Outside the recorded
// timeline (pass-through, diverged, no recording) it returns v unchanged.
func (th *Thread) RecordOrReplayValue(tag string, v uint64) uint64 {
	if !th.checkEvents(tag) {
		return v
	}
	th.pushRecent(core.EventValue, tag)
	switch th.e.role {
	case core.RoleRecording:
		th.writeHeader(core.EventValue, tag)
		th.write(th.events.WriteUvarint(v))
		th.bump()
		return v
	case core.RoleReplaying:
		if !th.verifyHeader(core.EventValue, tag) {
			return v
		}
		rv, err := th.readUvarint()
		if err != nil {
			return v
		}
		th.bump()
		return rv
	}
	return v
}

// RecordOrReplayBytes records buf while recording and returns it; while
// replaying it returns the recorded bytes. The recorded and replayed
// lengths may differ; callers needing a fixed length should record it
// separately with RecordOrReplayValue.
func (th *Thread) RecordOrReplayBytes(tag string, buf []byte) []byte {
	if !th.checkEvents(tag) {
		return buf
	}
	th.pushRecent(core.EventBytes, tag)
	switch th.e.role {
	case core.RoleRecording:
		th.writeHeader(core.EventBytes, tag)
		th.write(th.events.WriteUvarint(uint64(len(buf))))
		th.write(th.events.WriteBytes(buf))
		th.bump()
		return buf
	case core.RoleReplaying:
		if !th.verifyHeader(core.EventBytes, tag) {
			return buf
		}
		n, err := th.readUvarint()
		if err != nil {
			return buf
		}
		data, err := th.readBytes(int(n))
		if err != nil {
			return buf
		}
		th.bump()
		return data
	}
	return buf
}

// Assert records a formatted string while recording and compares it while
// replaying. The text is diagnostic: a mismatch is logged with both values
// but does not fail the replay. The event itself still participates in
// divergence detection through its kind and position.
func (th *Thread) Assert(format string, args ...interface{}) {
	if !th.checkEvents("Assert") {
		return
	}
	text := fmt.Sprintf(format, args...)
	th.pushRecent(core.EventAssert, text)
	switch th.e.role {
	case core.RoleRecording:
		th.writeHeader(core.EventAssert, "Assert")
		th.write(th.events.WriteUvarint(uint64(len(text))))
		th.write(th.events.WriteBytes([]byte(text)))
		th.bump()
	case core.RoleReplaying:
		if !th.verifyHeader(core.EventAssert, "Assert") {
			return
		}
		n, err := th.readUvarint()
		if err != nil {
			return
		}
		recorded, err := th.readBytes(int(n))
		if err != nil {
			return
		}
		th.bump()
		if string(recorded) != text {
			th.e.logger.Warn("assert text mismatch",
				"thread", th.id,
				"recorded", string(recorded),
				"replayed", text,
				"recorded_hash", hashText(recorded),
				"replayed_hash", hashText([]byte(text)))
		}
	}
}

// AssertBytes records a byte buffer while recording and compares its hash
// while replaying, logging mismatches.
func (th *Thread) AssertBytes(tag string, data []byte) {
	if !th.checkEvents(tag) {
		return
	}
	th.pushRecent(core.EventAssertBytes, tag)
	switch th.e.role {
	case core.RoleRecording:
		th.writeHeader(core.EventAssertBytes, tag)
		th.write(th.events.WriteUvarint(uint64(len(data))))
		th.write(th.events.WriteBytes(data))
		th.bump()
	case core.RoleReplaying:
		if !th.verifyHeader(core.EventAssertBytes, tag) {
			return
		}
		n, err := th.readUvarint()
		if err != nil {
			return
		}
		recorded, err := th.readBytes(int(n))
		if err != nil {
			return
		}
		th.bump()
		if !bytes.Equal(recorded, data) {
			th.e.logger.Warn("assert bytes mismatch",
				"thread", th.id,
				"tag", tag,
				"recorded_len", len(recorded),
				"replayed_len", len(data),
				"recorded_hash", hashText(recorded),
				"replayed_hash", hashText(data))
		}
	}
}

func hashText(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// writeHeader stages an event header while recording.
func (th *Thread) writeHeader(kind core.EventKind, tag string) {
	th.write(th.events.WriteByte(byte(kind)))
	th.write(th.events.WriteUvarint(uint64(len(tag))))
	th.write(th.events.WriteBytes([]byte(tag)))
	metricEventsRecorded.Add(1)
}

// verifyHeader consumes and checks an event header while replaying. On
// mismatch the thread diverges and false is returned.
func (th *Thread) verifyHeader(kind core.EventKind, tag string) bool {
	unblock := th.enterBlocked()
	gotKind, err := th.events.ReadByte()
	if err != nil {
		unblock()
		th.stall(tag, err)
		return false
	}
	n, err := th.events.ReadUvarint()
	if err != nil {
		unblock()
		th.stall(tag, err)
		return false
	}
	gotTag, err := th.events.ReadBytes(int(n))
	unblock()
	if err != nil {
		th.stall(tag, err)
		return false
	}
	if core.EventKind(gotKind) != kind || string(gotTag) != tag {
		th.divergef(kind, core.EventKind(gotKind), tag, fmt.Sprintf("recorded tag %q", gotTag))
		return false
	}
	metricEventsReplayed.Add(1)
	return true
}

func (th *Thread) readUvarint() (uint64, error) {
	unblock := th.enterBlocked()
	v, err := th.events.ReadUvarint()
	unblock()
	if err != nil {
		th.stall("", err)
	}
	return v, err
}

func (th *Thread) readBytes(n int) ([]byte, error) {
	unblock := th.enterBlocked()
	b, err := th.events.ReadBytes(n)
	unblock()
	if err != nil {
		th.stall("", err)
	}
	return b, err
}

// write routes recording write failures, which only happen on an
// invalidated recording, to the fatal handler.
func (th *Thread) write(err error) {
	if err != nil {
		th.e.fatal(fmt.Errorf("thread %d: recording write failed: %w", th.id, err))
	}
}

func (th *Thread) bump() {
	if th.events != nil {
		th.events.BumpEvents()
	}
}

// divergef marks the thread diverged and reports the mismatch.
func (th *Thread) divergef(want, got core.EventKind, tag, detail string) {
	th.diverged = true
	metricDivergences.Add(1)
	err := &core.DivergenceError{
		Thread:   th.id,
		Position: th.EventsConsumed(),
		Tag:      tag,
		WantKind: want,
		GotKind:  got,
		Detail:   detail,
	}
	th.e.logger.Error("replay diverged",
		"thread", th.id,
		"tag", tag,
		"recent", th.recentEvents(),
		"notes", th.CrashNotes())
	_ = th.e.hooks.Trigger(context.Background(), hooks.NewOnDivergenceEvent(hooks.DivergencePayload{Thread: th.id, Err: err}))
	if th.e.divergenceSink != nil {
		th.e.divergenceSink(th.id, err)
	}
	th.e.fatal(err)
}

// stall handles a replay read failure: the recording was invalidated or
// ended before the thread's next event.
func (th *Thread) stall(tag string, err error) {
	th.diverged = true
	th.e.logger.Error("replay ran out of recording data",
		"thread", th.id, "tag", tag, "error", err, "notes", th.CrashNotes())
	th.e.fatal(fmt.Errorf("thread %d replayed past the end of the recording (%s): %w", th.id, tag, err))
}
