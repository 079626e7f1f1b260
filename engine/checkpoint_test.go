package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointIndicesIncrease(t *testing.T) {
	e := newRecordingEngine(t)
	th, err := e.RegisterThread("main")
	require.NoError(t, err)

	th.RecordOrReplayValue("warmup", 1)
	cp1, err := e.CreateCheckpoint(context.Background(), th)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp1.Index)

	th.RecordOrReplayValue("more", 2)
	cp2, err := e.CreateCheckpoint(context.Background(), th)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp2.Index)
	assert.Equal(t, uint64(2), e.LastCheckpoint())
	assert.GreaterOrEqual(t, cp2.Events, cp1.Events)
}

func TestCheckpointMainThreadOnly(t *testing.T) {
	e := newRecordingEngine(t)
	_, err := e.RegisterThread("main")
	require.NoError(t, err)
	worker, err := e.RegisterThread("worker")
	require.NoError(t, err)

	_, err = e.CreateCheckpoint(context.Background(), worker)
	assert.ErrorContains(t, err, "not the main thread")
}

func TestCheckpointReplayMatchesRecorded(t *testing.T) {
	e := newRecordingEngine(t)
	th, err := e.RegisterThread("main")
	require.NoError(t, err)
	th.RecordOrReplayValue("v", 7)
	recorded, err := e.CreateCheckpoint(context.Background(), th)
	require.NoError(t, err)

	var fatals []error
	re := replayOf(t, e, &fatals)
	rth, err := re.RegisterThread("main")
	require.NoError(t, err)
	rth.RecordOrReplayValue("v", 0)
	replayed, err := re.CreateCheckpoint(context.Background(), rth)
	require.NoError(t, err)
	assert.Empty(t, fatals)

	// The replayed checkpoint describes the original execution.
	assert.Equal(t, recorded.Index, replayed.Index)
	assert.Equal(t, recorded.Progress, replayed.Progress)
	assert.Equal(t, recorded.Events, replayed.Events)
	assert.True(t, recorded.Time.Equal(replayed.Time))
}

func TestCheckpointDeferredByHook(t *testing.T) {
	veto := true
	hm := hooks.NewHookManager(testLogger())
	hm.Register(hooks.EventPreCreateCheckpoint, hooks.FuncListener{
		Fn: func(ctx context.Context, ev hooks.HookEvent) error {
			if veto {
				return errors.New("not at a safe point")
			}
			return nil
		},
	})
	e, err := New(Options{Role: core.RoleRecording, Logger: testLogger(), Hooks: hm})
	require.NoError(t, err)
	th, err := e.RegisterThread("main")
	require.NoError(t, err)

	_, err = e.CreateCheckpoint(context.Background(), th)
	require.ErrorIs(t, err, ErrCheckpointDeferred)
	assert.Zero(t, e.LastCheckpoint())

	// Still vetoed: MaybeCreateCheckpoint reports nothing created.
	_, created, err := e.MaybeCreateCheckpoint(context.Background(), th)
	require.NoError(t, err)
	assert.False(t, created)

	veto = false
	cp, created, err := e.MaybeCreateCheckpoint(context.Background(), th)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, uint64(1), cp.Index)

	// Nothing deferred anymore.
	_, created, err = e.MaybeCreateCheckpoint(context.Background(), th)
	require.NoError(t, err)
	assert.False(t, created)
}
