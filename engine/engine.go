package engine

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/INLOpen/nexusreplay/recording"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	metricEventsRecorded = expvar.NewInt("nexusreplay_engine_events_recorded")
	metricEventsReplayed = expvar.NewInt("nexusreplay_engine_events_replayed")
	metricDivergences    = expvar.NewInt("nexusreplay_engine_divergences")
	metricCheckpoints    = expvar.NewInt("nexusreplay_engine_checkpoints")
)

// ErrCheckpointDeferred is returned by CreateCheckpoint when a pre-hook
// vetoed the checkpoint. The engine retries it at the next
// MaybeCreateCheckpoint call.
var ErrCheckpointDeferred = errors.New("checkpoint deferred by hook")

// Options configures an Engine.
type Options struct {
	Role      core.ProcessRole
	Recording *recording.Recording
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Hooks     hooks.HookManager

	// FatalHandler receives unrecoverable errors: divergences, events while
	// disallowed, and recording stalls. The default logs the error and
	// panics. A handler that returns leaves the offending thread diverged
	// and execution continues outside the recording.
	FatalHandler func(err error)

	// DivergenceSink, when set, is notified of each divergence before the
	// fatal handler runs.
	DivergenceSink func(thread core.ThreadID, err error)

	// AssertFilters enables execution progress asserts for matching source
	// locations.
	AssertFilters []core.SourceFilter
}

// Engine coordinates threads performing record/replay operations against a
// shared recording. Exactly one engine exists per process taking part in
// record/replay.
type Engine struct {
	role   core.ProcessRole
	rec    *recording.Recording
	logger *slog.Logger
	tracer trace.Tracer
	hooks  hooks.HookManager

	fatalHandler   func(error)
	divergenceSink func(core.ThreadID, error)
	assertFilters  []core.SourceFilter

	mu       sync.Mutex
	idleCond *sync.Cond
	threads  map[core.ThreadID]*Thread
	nextID   uint32
	closed   bool

	// idleReq is the fast-path mirror of idleRequested; threads check it
	// on every event without taking the engine lock.
	idleReq       atomic.Bool
	idleRequested bool

	locks  *lockTable
	things *thingRegistry

	progress atomic.Uint64

	cpMu           sync.Mutex
	lastCheckpoint uint64
	deferredCP     bool
	summaryWriter  *recording.SummaryWriter
	summaryReader  *recording.SummaryReader
}

// New creates an engine for the given role. When Recording is nil and the
// role requires one, a fresh in-memory recording is created.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("nexusreplay")
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewHookManager(opts.Logger)
	}
	if opts.Recording == nil && opts.Role != core.RoleNeither {
		opts.Recording = recording.New(recording.Options{Role: opts.Role, Logger: opts.Logger})
	}
	if opts.Recording != nil && opts.Recording.Role() != opts.Role {
		return nil, fmt.Errorf("engine role %s does not match recording role %s", opts.Role, opts.Recording.Role())
	}

	e := &Engine{
		role:           opts.Role,
		rec:            opts.Recording,
		logger:         opts.Logger.With("component", "engine", "role", opts.Role.String()),
		tracer:         opts.Tracer,
		hooks:          opts.Hooks,
		fatalHandler:   opts.FatalHandler,
		divergenceSink: opts.DivergenceSink,
		assertFilters:  opts.AssertFilters,
		threads:        make(map[core.ThreadID]*Thread),
	}
	e.idleCond = sync.NewCond(&e.mu)
	e.locks = newLockTable(e)
	e.things = newThingRegistry(defaultThingCapacity)

	if e.rec != nil {
		switch e.role {
		case core.RoleRecording:
			e.summaryWriter = recording.NewSummaryWriter(e.rec)
		case core.RoleReplaying:
			e.summaryReader = recording.NewSummaryReader(e.rec)
			e.rec.SetLockUpdateFunc(e.locks.notify)
		}
		e.rec.SetInvalidateFunc(func(reason string) {
			_ = e.hooks.Trigger(context.Background(), hooks.NewOnInvalidateEvent(hooks.InvalidatePayload{Reason: reason}))
		})
	}
	return e, nil
}

// Role returns the engine's process role.
func (e *Engine) Role() core.ProcessRole { return e.role }

// Recording returns the engine's recording, or nil for RoleNeither.
func (e *Engine) Recording() *recording.Recording { return e.rec }

// Hooks returns the engine's hook manager.
func (e *Engine) Hooks() hooks.HookManager { return e.hooks }

// Progress returns the execution progress counter, one component of the
// liveness measure reported to ping probes.
func (e *Engine) Progress() uint64 { return e.progress.Load() }

// TotalProgress combines the execution progress counter with the total
// thread event count. A hung process stops advancing both.
func (e *Engine) TotalProgress() uint64 {
	p := e.progress.Load()
	if e.rec != nil {
		p += e.rec.TotalEvents()
	}
	return p
}

// LastCheckpoint returns the index of the most recent checkpoint, zero if
// none has been created.
func (e *Engine) LastCheckpoint() uint64 {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	return e.lastCheckpoint
}

// RegisterThread registers the calling goroutine as a record/replay thread.
// Threads must be registered in the same order during recording and
// replaying; the assigned IDs are part of the recording's structure.
func (e *Engine) RegisterThread(name string) (*Thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, core.ErrEngineClosed
	}
	e.nextID++
	id := core.ThreadID(e.nextID)
	th := &Thread{e: e, id: id, name: name}
	if e.rec != nil {
		th.events = e.rec.Stream(core.StreamEvent, uint32(id))
	}
	e.threads[id] = th
	return th, nil
}

// Thread returns a registered thread by ID.
func (e *Engine) Thread(id core.ThreadID) (*Thread, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	th, ok := e.threads[id]
	return th, ok
}

// WaitForIdleThreads blocks until every thread other than the main thread
// is idle: parked at an event boundary, blocked waiting for recording
// data or a lock turn, or finished. Only the main thread may call this.
// Threads stay idle until ResumeIdleThreads.
func (e *Engine) WaitForIdleThreads() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idleRequested = true
	e.idleReq.Store(true)
	e.idleCond.Broadcast()
	for !e.allIdleLocked() {
		e.idleCond.Wait()
	}
}

func (e *Engine) allIdleLocked() bool {
	for id, th := range e.threads {
		if id == core.MainThreadID {
			continue
		}
		if !th.idle && !th.blocked && !th.finished {
			return false
		}
	}
	return true
}

// ResumeIdleThreads releases threads parked by WaitForIdleThreads.
func (e *Engine) ResumeIdleThreads() {
	e.mu.Lock()
	e.idleRequested = false
	e.idleReq.Store(false)
	e.idleCond.Broadcast()
	e.mu.Unlock()
}

// Close flushes the recording and shuts the engine down. Registered threads
// must have finished their work.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.hooks.Trigger(ctx, hooks.NewPreCloseEngineEvent()); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.ErrEngineClosed
	}
	e.closed = true
	e.mu.Unlock()

	if e.rec != nil && e.role == core.RoleRecording {
		if _, err := e.rec.Flush(); err != nil {
			return err
		}
	}
	if err := e.hooks.Trigger(ctx, hooks.NewPostCloseEngineEvent()); err != nil {
		return err
	}
	e.hooks.Stop()
	return nil
}

// fatal routes an unrecoverable error to the fatal handler.
func (e *Engine) fatal(err error) {
	if e.fatalHandler != nil {
		e.fatalHandler(err)
		return
	}
	e.logger.Error("fatal record/replay error", "error", err)
	panic(err)
}
