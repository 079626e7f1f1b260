package core

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordingStalled is returned when a replaying process needs more
	// recording data than will ever arrive.
	ErrRecordingStalled = errors.New("recording stalled: no more data will arrive")
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine closed")
	// ErrForkTimeout is returned when a forked process fails to connect to
	// the root process within the fork timeout.
	ErrForkTimeout = errors.New("forked process did not initialize in time")
	// ErrRecordingInvalid is returned by operations on an invalidated
	// recording.
	ErrRecordingInvalid = errors.New("recording invalidated")
)

// DivergenceError reports that a replaying thread performed an operation
// whose kind, tag or payload shape does not match the recorded event at the
// thread's current stream position.
type DivergenceError struct {
	Thread   ThreadID
	Position uint64
	Tag      string
	WantKind EventKind
	GotKind  EventKind
	Detail   string
}

func (e *DivergenceError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("divergence on thread %d at event %d (%s): recorded %s, replayed %s: %s",
			e.Thread, e.Position, e.Tag, e.WantKind, e.GotKind, e.Detail)
	}
	return fmt.Sprintf("divergence on thread %d at event %d (%s): recorded %s, replayed %s",
		e.Thread, e.Position, e.Tag, e.WantKind, e.GotKind)
}

// IsDivergenceError reports whether any error in err's chain is a
// DivergenceError.
func IsDivergenceError(err error) bool {
	var de *DivergenceError
	return errors.As(err, &de)
}

// ProtocolError reports a malformed or out-of-order message on a channel.
type ProtocolError struct {
	MessageType string
	Reason      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("channel protocol error (%s): %s", e.MessageType, e.Reason)
}

// CorruptionError reports structurally invalid recording data.
type CorruptionError struct {
	Offset uint64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("recording corrupt at offset %d: %s", e.Offset, e.Reason)
}

func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// HangError reports that a replaying process stopped responding to pings
// without making progress.
type HangError struct {
	ForkID      ForkID
	MissedPings int
	Progress    uint64
}

func (e *HangError) Error() string {
	return fmt.Sprintf("fork %d hung: %d pings missed at progress %d", e.ForkID, e.MissedPings, e.Progress)
}

// UserFacingReason maps an internal error to a short stable string suitable
// for surfacing outside the process. Unknown errors map to "internal error".
func UserFacingReason(err error) string {
	var de *DivergenceError
	var he *HangError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &de):
		return "replay diverged from recording"
	case errors.As(err, &he):
		return "replaying process hung"
	case IsCorruptionError(err):
		return "recording corrupt"
	case errors.Is(err, ErrRecordingStalled):
		return "recording incomplete"
	case errors.Is(err, ErrForkTimeout):
		return "fork timed out"
	case errors.Is(err, ErrRecordingInvalid):
		return "recording invalidated"
	default:
		return "internal error"
	}
}
