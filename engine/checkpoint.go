package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
)

// CreateCheckpoint establishes the next checkpoint. Only the main thread
// may create checkpoints, and indices are strictly increasing. The
// checkpoint is itself a recorded event, so replays reach it at the same
// point in the event streams. A PreCreateCheckpoint hook returning an error
// defers the checkpoint; MaybeCreateCheckpoint retries it later.
//
// While recording, the recording is flushed so the checkpoint's prefix is a
// consistent cut. The returned checkpoint's time and progress describe the
// original execution on both sides.
func (e *Engine) CreateCheckpoint(ctx context.Context, th *Thread) (core.Checkpoint, error) {
	if !th.IsMainThread() {
		return core.Checkpoint{}, fmt.Errorf("thread %d is not the main thread", th.id)
	}
	if e.role == core.RoleNeither || th.diverged {
		return core.Checkpoint{}, fmt.Errorf("no recording attached")
	}

	ctx, span := e.tracer.Start(ctx, "engine.CreateCheckpoint")
	defer span.End()

	e.cpMu.Lock()
	want := e.lastCheckpoint + 1
	e.cpMu.Unlock()

	if err := e.hooks.Trigger(ctx, hooks.NewPreCreateCheckpointEvent(hooks.PreCreateCheckpointPayload{Index: want})); err != nil {
		e.cpMu.Lock()
		e.deferredCP = true
		e.cpMu.Unlock()
		e.logger.Info("checkpoint deferred", "index", want, "error", err)
		return core.Checkpoint{}, ErrCheckpointDeferred
	}

	idx := th.replayCheckpointIndex(want)
	if th.diverged {
		return core.Checkpoint{}, fmt.Errorf("diverged while creating checkpoint %d", want)
	}
	if idx != want {
		return core.Checkpoint{}, fmt.Errorf("checkpoint index went backwards: recorded %d, expected %d", idx, want)
	}

	var cp core.Checkpoint
	switch e.role {
	case core.RoleRecording:
		cp = core.Checkpoint{
			Index:    idx,
			Time:     time.Now(),
			Progress: e.progress.Load(),
			Events:   e.rec.TotalEvents(),
		}
		if err := e.summaryWriter.Append(cp); err != nil {
			return core.Checkpoint{}, err
		}
		size, err := e.rec.Flush()
		if err != nil {
			return core.Checkpoint{}, err
		}
		_ = e.hooks.Trigger(ctx, hooks.NewPostRecordingFlushEvent(hooks.PostRecordingFlushPayload{Size: size}))
	case core.RoleReplaying:
		recorded, ok, err := e.summaryReader.Next()
		if err != nil {
			return core.Checkpoint{}, err
		}
		if !ok || recorded.Index != idx {
			return core.Checkpoint{}, fmt.Errorf("summary stream out of step at checkpoint %d", idx)
		}
		cp = recorded
	}

	e.cpMu.Lock()
	e.lastCheckpoint = idx
	e.deferredCP = false
	e.cpMu.Unlock()
	metricCheckpoints.Add(1)

	_ = e.hooks.Trigger(ctx, hooks.NewPostCreateCheckpointEvent(hooks.PostCreateCheckpointPayload{Checkpoint: cp}))
	return cp, nil
}

// replayCheckpointIndex records or verifies the checkpoint event itself on
// the main thread's event stream.
func (th *Thread) replayCheckpointIndex(want uint64) uint64 {
	if !th.checkEvents("CreateCheckpoint") {
		return want
	}
	th.pushRecent(core.EventCheckpoint, "CreateCheckpoint")
	switch th.e.role {
	case core.RoleRecording:
		th.writeHeader(core.EventCheckpoint, "CreateCheckpoint")
		th.write(th.events.WriteUvarint(want))
		th.bump()
		return want
	case core.RoleReplaying:
		if !th.verifyHeader(core.EventCheckpoint, "CreateCheckpoint") {
			return want
		}
		idx, err := th.readUvarint()
		if err != nil {
			return want
		}
		th.bump()
		return idx
	}
	return want
}

// MaybeCreateCheckpoint creates a checkpoint if one was deferred by a
// hook veto. It is a no-op otherwise.
func (e *Engine) MaybeCreateCheckpoint(ctx context.Context, th *Thread) (core.Checkpoint, bool, error) {
	e.cpMu.Lock()
	deferred := e.deferredCP
	e.cpMu.Unlock()
	if !deferred {
		return core.Checkpoint{}, false, nil
	}
	cp, err := e.CreateCheckpoint(ctx, th)
	if errors.Is(err, ErrCheckpointDeferred) {
		return core.Checkpoint{}, false, nil
	}
	if err != nil {
		return core.Checkpoint{}, false, err
	}
	return cp, true, nil
}
