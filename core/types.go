package core

import (
	"fmt"
	"runtime"
	"time"
)

// ProcessRole describes what a process is doing with its recording, if
// anything. A process picks a role during initialization and keeps it for
// its whole lifetime.
type ProcessRole uint8

const (
	// RoleNeither is a process with no recording attached. All record/replay
	// operations degrade to plain execution.
	RoleNeither ProcessRole = iota
	// RoleRecording is a process appending events to a new recording.
	RoleRecording
	// RoleReplaying is a process consuming events from an existing recording.
	RoleReplaying
)

func (r ProcessRole) String() string {
	switch r {
	case RoleNeither:
		return "neither"
	case RoleRecording:
		return "recording"
	case RoleReplaying:
		return "replaying"
	default:
		return fmt.Sprintf("ProcessRole(%d)", uint8(r))
	}
}

// ThreadID identifies a registered thread within an engine. IDs are assigned
// densely starting at MainThreadID and are identical between a recording and
// any replay of it.
type ThreadID uint32

// MainThreadID is the ID of the first registered thread, which drives
// checkpoints and thread coordination.
const MainThreadID ThreadID = 1

// EventKind tags each entry in a thread's event stream. Kinds written while
// recording must match the kinds consumed while replaying byte for byte;
// a mismatch is a divergence.
type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventValue
	EventBytes
	EventAssert
	EventAssertBytes
	EventCheckpoint
	EventRegisterThing
)

func (k EventKind) String() string {
	switch k {
	case EventValue:
		return "Value"
	case EventBytes:
		return "Bytes"
	case EventAssert:
		return "Assert"
	case EventAssertBytes:
		return "AssertBytes"
	case EventCheckpoint:
		return "Checkpoint"
	case EventRegisterThing:
		return "RegisterThing"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// StreamName partitions the recording's streams by purpose. Each stream is
// identified by a (name, index) pair; the meaning of the index depends on
// the name.
type StreamName uint8

const (
	// StreamEvent holds a thread's event stream; the index is the ThreadID.
	StreamEvent StreamName = iota + 1
	// StreamLock holds the acquire order for an ordered lock; the index is
	// the lock ID.
	StreamLock
	// StreamSummary holds checkpoint summaries; the index is always zero.
	StreamSummary
)

func (n StreamName) String() string {
	switch n {
	case StreamEvent:
		return "event"
	case StreamLock:
		return "lock"
	case StreamSummary:
		return "summary"
	default:
		return fmt.Sprintf("StreamName(%d)", uint8(n))
	}
}

// Checkpoint is a point in execution that a replaying process can later be
// rewound to. Indices are assigned sequentially starting at
// FirstCheckpointIndex and are themselves recorded, so a replay reaches the
// same checkpoints at the same points in the event streams.
type Checkpoint struct {
	Index    uint64
	Time     time.Time
	Progress uint64
	Events   uint64
}

// FirstCheckpointIndex is the index of the first checkpoint in a recording.
const FirstCheckpointIndex uint64 = 1

// ForkID identifies a forked replaying process. The root replaying process
// has ForkID zero.
type ForkID uint32

// RootForkID is the fork ID of the root replaying process.
const RootForkID ForkID = 0

// BuildID identifies the binary and platform a recording was made with.
// Recordings are only replayable by a binary with a matching build ID.
func BuildID(version string) string {
	return fmt.Sprintf("%s-%s-%s", runtime.GOOS, runtime.GOARCH, version)
}
