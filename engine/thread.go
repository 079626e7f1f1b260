package engine

import (
	"fmt"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/recording"
)

// recentRingSize is how many recent events each thread remembers for
// divergence diagnostics.
const recentRingSize = 32

type recentEvent struct {
	kind core.EventKind
	tag  string
}

// Thread is a registered participant in record/replay. All event operations
// are methods on the thread that performed them; a Thread must only be used
// by one goroutine at a time.
type Thread struct {
	e      *Engine
	id     core.ThreadID
	name   string
	events *recording.Stream

	// Depth counters are only touched by the owning goroutine.
	passThroughDepth int
	disallowDepth    int
	diverged         bool

	// idle, blocked and finished are guarded by e.mu.
	idle     bool
	blocked  bool
	finished bool

	ring    [recentRingSize]recentEvent
	ringPos int

	crashNotes []string
}

func (th *Thread) ID() core.ThreadID { return th.id }
func (th *Thread) Name() string      { return th.name }

// IsMainThread reports whether this is the main thread.
func (th *Thread) IsMainThread() bool { return th.id == core.MainThreadID }

// BeginPassThrough enters a region whose events are neither recorded nor
// replayed. Regions nest.
func (th *Thread) BeginPassThrough() { th.passThroughDepth++ }

// EndPassThrough leaves a pass-through region.
func (th *Thread) EndPassThrough() {
	if th.passThroughDepth == 0 {
		th.e.fatal(fmt.Errorf("thread %d: unbalanced EndPassThrough", th.id))
		return
	}
	th.passThroughDepth--
}

// AreEventsPassedThrough reports whether the thread is in a pass-through
// region. Disallowed regions take precedence over pass-through.
func (th *Thread) AreEventsPassedThrough() bool {
	return th.passThroughDepth > 0 && th.disallowDepth == 0
}

// BeginDisallowEvents enters a region where performing an event is an
// error. Regions nest.
func (th *Thread) BeginDisallowEvents() { th.disallowDepth++ }

// EndDisallowEvents leaves a disallowed region.
func (th *Thread) EndDisallowEvents() {
	if th.disallowDepth == 0 {
		th.e.fatal(fmt.Errorf("thread %d: unbalanced EndDisallowEvents", th.id))
		return
	}
	th.disallowDepth--
}

// AreEventsDisallowed reports whether the thread is in a disallowed region.
func (th *Thread) AreEventsDisallowed() bool { return th.disallowDepth > 0 }

// Diverge permanently removes the thread from the recorded timeline. Its
// subsequent events bypass the recording. There is no way back.
func (th *Thread) Diverge() { th.diverged = true }

// HasDiverged reports whether the thread has left the recorded timeline.
func (th *Thread) HasDiverged() bool { return th.diverged }

// EventsConsumed returns the number of events this thread has recorded or
// replayed.
func (th *Thread) EventsConsumed() uint64 {
	if th.events == nil {
		return 0
	}
	return th.events.Events()
}

// AtEnd reports whether a replaying thread has consumed every event the
// recording holds for it.
func (th *Thread) AtEnd() bool {
	if th.e.role != core.RoleReplaying || th.events == nil {
		return false
	}
	return th.events.AtEnd()
}

// AdvanceProgress bumps the execution progress counter for a source
// location, and emits an execution assert when the location matches the
// configured filters.
func (th *Thread) AdvanceProgress(file string, line int) {
	th.e.progress.Add(1)
	if len(th.e.assertFilters) > 0 && core.MatchesAny(th.e.assertFilters, file, line) {
		th.Assert("ExecutionProgress %s:%d", file, line)
	}
}

// checkEvents decides whether an operation should touch the recording.
// Disallowed regions are an error and take precedence over pass-through.
func (th *Thread) checkEvents(tag string) bool {
	if th.e.role == core.RoleNeither || th.diverged {
		return false
	}
	if th.disallowDepth > 0 {
		th.e.fatal(fmt.Errorf("thread %d performed event %q while events are disallowed", th.id, tag))
		return false
	}
	if th.passThroughDepth > 0 {
		return false
	}
	th.maybeIdle()
	return true
}

// maybeIdle parks the thread when the main thread has requested idling.
// Event boundaries are the safe points.
func (th *Thread) maybeIdle() {
	if !th.e.idleReq.Load() || th.id == core.MainThreadID {
		return
	}
	e := th.e
	e.mu.Lock()
	for e.idleRequested {
		th.idle = true
		e.idleCond.Broadcast()
		e.idleCond.Wait()
	}
	th.idle = false
	e.mu.Unlock()
}

// Finish marks the thread's work as complete. A finished thread counts as
// idle for checkpoint coordination and must not perform further events.
func (th *Thread) Finish() {
	e := th.e
	e.mu.Lock()
	th.finished = true
	e.idleCond.Broadcast()
	e.mu.Unlock()
}

// enterBlocked marks the thread as blocked for idle accounting around
// waits on recording data or lock turns. It returns the function that
// clears the mark.
func (th *Thread) enterBlocked() func() {
	e := th.e
	e.mu.Lock()
	th.blocked = true
	e.idleCond.Broadcast()
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		th.blocked = false
		e.mu.Unlock()
	}
}

// PushCrashNote records a short description of what the thread is doing.
// Notes stack and are attached to divergence and stall diagnostics.
func (th *Thread) PushCrashNote(note string) {
	th.crashNotes = append(th.crashNotes, note)
}

// PopCrashNote discards the most recent crash note.
func (th *Thread) PopCrashNote() {
	if n := len(th.crashNotes); n > 0 {
		th.crashNotes = th.crashNotes[:n-1]
	}
}

// CrashNotes returns the thread's note stack, oldest first.
func (th *Thread) CrashNotes() []string {
	out := make([]string, len(th.crashNotes))
	copy(out, th.crashNotes)
	return out
}

func (th *Thread) pushRecent(kind core.EventKind, tag string) {
	th.ring[th.ringPos] = recentEvent{kind: kind, tag: tag}
	th.ringPos = (th.ringPos + 1) % recentRingSize
}

// recentEvents returns the thread's recent events, oldest first.
func (th *Thread) recentEvents() []string {
	out := make([]string, 0, recentRingSize)
	for i := 0; i < recentRingSize; i++ {
		ev := th.ring[(th.ringPos+i)%recentRingSize]
		if ev.kind == core.EventInvalid {
			continue
		}
		out = append(out, fmt.Sprintf("%s(%s)", ev.kind, ev.tag))
	}
	return out
}
