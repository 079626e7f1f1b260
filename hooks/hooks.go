package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusreplay/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Checkpoint lifecycle events
	EventPreCreateCheckpoint  EventType = "PreCreateCheckpoint"
	EventPostCreateCheckpoint EventType = "PostCreateCheckpoint"

	// Recording lifecycle events
	EventPostRecordingFlush EventType = "PostRecordingFlush"
	EventOnDivergence       EventType = "OnDivergence"
	EventOnInvalidate       EventType = "OnInvalidate"

	// Fork lifecycle events
	EventPostFork          EventType = "PostFork"
	EventPostSnapshotWrite EventType = "PostSnapshotWrite"

	// Engine lifecycle events
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event
	// type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreCreateCheckpointPayload carries the index a checkpoint is about to be
// assigned. A listener returning an error defers the checkpoint; the engine
// retries at the next safe point.
type PreCreateCheckpointPayload struct {
	Index uint64
}

func NewPreCreateCheckpointEvent(payload PreCreateCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCreateCheckpoint, payload: payload}
}

// PostCreateCheckpointPayload carries the checkpoint that was just created.
type PostCreateCheckpointPayload struct {
	Checkpoint core.Checkpoint
}

func NewPostCreateCheckpointEvent(payload PostCreateCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateCheckpoint, payload: payload}
}

// PostRecordingFlushPayload carries the committed length after a flush.
type PostRecordingFlushPayload struct {
	Size uint64
}

func NewPostRecordingFlushEvent(payload PostRecordingFlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecordingFlush, payload: payload}
}

// DivergencePayload carries the divergence that a replaying thread hit.
type DivergencePayload struct {
	Thread core.ThreadID
	Err    error
}

func NewOnDivergenceEvent(payload DivergencePayload) HookEvent {
	return &BaseEvent{eventType: EventOnDivergence, payload: payload}
}

// InvalidatePayload carries the reason a recording was invalidated.
type InvalidatePayload struct {
	Reason string
}

func NewOnInvalidateEvent(payload InvalidatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnInvalidate, payload: payload}
}

// PostForkPayload carries the identity of a newly created fork.
type PostForkPayload struct {
	ForkID     core.ForkID
	Checkpoint uint64
}

func NewPostForkEvent(payload PostForkPayload) HookEvent {
	return &BaseEvent{eventType: EventPostFork, payload: payload}
}

// PostSnapshotWritePayload carries the path of a written fork snapshot.
type PostSnapshotWritePayload struct {
	Path       string
	Checkpoint uint64
	Duration   time.Duration
}

func NewPostSnapshotWriteEvent(payload PostSnapshotWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPostSnapshotWrite, payload: payload}
}

// EngineLifecyclePayload is used for engine close events.
type EngineLifecyclePayload struct{}

func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}

func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

// HookListener defines the interface for components that listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is
	// triggered. Returning an error from a "Pre" hook cancels the operation.
	// Errors from "Post" hooks are logged without affecting the operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers run first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for
	// Post-events.
	IsAsync() bool
}

// FuncListener adapts a plain function into a synchronous HookListener.
type FuncListener struct {
	Fn       func(ctx context.Context, event HookEvent) error
	Prio     int
	RunAsync bool
}

func (f FuncListener) OnEvent(ctx context.Context, event HookEvent) error { return f.Fn(ctx, event) }
func (f FuncListener) Priority() int                                      { return f.Prio }
func (f FuncListener) IsAsync() bool                                      { return f.RunAsync }

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// listeners holds slices kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority
// order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks must be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
