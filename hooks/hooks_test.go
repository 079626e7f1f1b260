package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerRunsInPriorityOrder(t *testing.T) {
	m := NewHookManager(nil)
	var order []int
	for _, prio := range []int{30, 10, 20} {
		prio := prio
		m.Register(EventPostCreateCheckpoint, FuncListener{
			Prio: prio,
			Fn: func(ctx context.Context, ev HookEvent) error {
				order = append(order, prio)
				return nil
			},
		})
	}
	require.NoError(t, m.Trigger(context.Background(), NewPostCreateCheckpointEvent(PostCreateCheckpointPayload{})))
	assert.Equal(t, []int{10, 20, 30}, order)
}

func TestPreHookErrorCancels(t *testing.T) {
	m := NewHookManager(nil)
	var laterRan bool
	m.Register(EventPreCreateCheckpoint, FuncListener{
		Prio: 1,
		Fn: func(ctx context.Context, ev HookEvent) error {
			return errors.New("not now")
		},
	})
	m.Register(EventPreCreateCheckpoint, FuncListener{
		Prio: 2,
		Fn: func(ctx context.Context, ev HookEvent) error {
			laterRan = true
			return nil
		},
	})
	err := m.Trigger(context.Background(), NewPreCreateCheckpointEvent(PreCreateCheckpointPayload{Index: 1}))
	require.Error(t, err)
	assert.False(t, laterRan, "a failing pre-hook stops the chain")
}

func TestPostHookErrorsDoNotCancel(t *testing.T) {
	m := NewHookManager(nil)
	var ran bool
	m.Register(EventPostRecordingFlush, FuncListener{
		Prio: 1,
		Fn: func(ctx context.Context, ev HookEvent) error {
			return errors.New("ignored")
		},
	})
	m.Register(EventPostRecordingFlush, FuncListener{
		Prio: 2,
		Fn: func(ctx context.Context, ev HookEvent) error {
			ran = true
			return nil
		},
	})
	require.NoError(t, m.Trigger(context.Background(), NewPostRecordingFlushEvent(PostRecordingFlushPayload{Size: 1})))
	assert.True(t, ran)
}

func TestAsyncPostHookAndStop(t *testing.T) {
	m := NewHookManager(nil)
	var calls atomic.Int32
	m.Register(EventPostRecordingFlush, FuncListener{
		RunAsync: true,
		Fn: func(ctx context.Context, ev HookEvent) error {
			time.Sleep(10 * time.Millisecond)
			calls.Add(1)
			return nil
		},
	})
	require.NoError(t, m.Trigger(context.Background(), NewPostRecordingFlushEvent(PostRecordingFlushPayload{Size: 2})))
	m.Stop()
	assert.Equal(t, int32(1), calls.Load())
}

func TestAsyncPreHookRunsSynchronously(t *testing.T) {
	m := NewHookManager(nil)
	var ran bool
	m.Register(EventPreCreateCheckpoint, FuncListener{
		RunAsync: true,
		Fn: func(ctx context.Context, ev HookEvent) error {
			ran = true
			return nil
		},
	})
	require.NoError(t, m.Trigger(context.Background(), NewPreCreateCheckpointEvent(PreCreateCheckpointPayload{Index: 1})))
	assert.True(t, ran, "pre-hooks run on the caller's goroutine")
}

func TestEventPayloads(t *testing.T) {
	ev := NewPostRecordingFlushEvent(PostRecordingFlushPayload{Size: 42})
	assert.Equal(t, EventPostRecordingFlush, ev.Type())
	p, ok := ev.Payload().(PostRecordingFlushPayload)
	require.True(t, ok)
	assert.Equal(t, uint64(42), p.Size)
}
