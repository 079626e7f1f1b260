package child

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/nexusreplay/channel"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/engine"
	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/INLOpen/nexusreplay/recording"
	"github.com/INLOpen/nexusreplay/sys"
	"github.com/google/uuid"
)

// Options configures a Session.
type Options struct {
	Engine    *engine.Engine
	Conn      net.Conn
	Logger    *slog.Logger
	SessionID uuid.UUID
	BuildID   string
	ForkID    core.ForkID
	Spew      bool

	// OnCheckpointRequest is invoked from the channel reader goroutine when
	// the supervisor asks for a checkpoint. The host must schedule
	// CreateCheckpoint on its main thread.
	OnCheckpointRequest func(index uint64)

	// OnTerminate is invoked after the session has flushed its state in
	// response to a Terminate message.
	OnTerminate func()
}

// Session connects a recording or replaying process to its supervisor. It
// owns the process's channel, keeps the recording fed (replaying) or
// drained (recording), and services pings.
type Session struct {
	e      *engine.Engine
	rec    *recording.Recording
	ch     *channel.Channel
	logger *slog.Logger

	sessionID uuid.UUID
	buildID   string
	forkID    core.ForkID

	onCheckpointRequest func(uint64)
	onTerminate         func()

	// forkLock is held for reading by operations that must not span a
	// fork, and for writing while a fork is being created.
	forkLock sync.RWMutex

	mu       sync.Mutex
	lastSent uint64

	sharedKeyWaiter chan channel.SharedKeyPayload
	extCallWaiter   chan channel.ExternalCallPayload
	extCallCache    map[uint64][]byte
	nextCallID      uint64
	reqMu           sync.Mutex
}

// NewSession wires an engine to a supervisor connection and sends the
// introduction.
func NewSession(opts Options) (*Session, error) {
	if opts.Engine == nil || opts.Conn == nil {
		return nil, fmt.Errorf("session requires an engine and a connection")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		e:                   opts.Engine,
		rec:                 opts.Engine.Recording(),
		logger:              opts.Logger.With("component", "session", "fork", uint32(opts.ForkID)),
		sessionID:           opts.SessionID,
		buildID:             opts.BuildID,
		forkID:              opts.ForkID,
		onCheckpointRequest: opts.OnCheckpointRequest,
		onTerminate:         opts.OnTerminate,
		sharedKeyWaiter:     make(chan channel.SharedKeyPayload, 1),
		extCallWaiter:       make(chan channel.ExternalCallPayload, 1),
		extCallCache:        make(map[uint64][]byte),
	}
	s.ch = channel.New(opts.Conn, s.handleMessage, channel.Options{
		Logger: opts.Logger,
		Spew:   opts.Spew,
		OnClose: func(err error) {
			if err != nil {
				s.logger.Error("supervisor channel closed", "error", err)
			}
		},
	})

	intro := &channel.IntroductionPayload{
		SessionID: s.sessionID,
		BuildID:   s.buildID,
		ForkID:    uint32(s.forkID),
		PID:       int32(os.Getpid()),
	}
	if err := s.ch.SendTyped(channel.MsgIntroduction, uint32(s.forkID), intro); err != nil {
		s.ch.Close()
		return nil, err
	}

	if s.rec != nil {
		switch s.e.Role() {
		case core.RoleReplaying:
			s.rec.SetLengthRequestFunc(s.requestRecordingData)
		case core.RoleRecording:
			s.e.Hooks().Register(hooks.EventPostRecordingFlush, hooks.FuncListener{
				Fn: func(ctx context.Context, ev hooks.HookEvent) error {
					return s.sendNewRecordingData()
				},
			})
		}
	}
	return s, nil
}

// ForkID returns the session's fork identity; zero for the root process.
func (s *Session) ForkID() core.ForkID { return s.forkID }

// Channel returns the session's channel, for tests and fork plumbing.
func (s *Session) Channel() *channel.Channel { return s.ch }

// ForkLock returns the lock serializing forks against in-flight work.
func (s *Session) ForkLock() *sync.RWMutex { return &s.forkLock }

func (s *Session) handleMessage(msg *channel.Message) {
	switch msg.Type {
	case channel.MsgIntroduction:
		var p channel.IntroductionPayload
		if err := msg.Decode(&p); err != nil {
			s.ReportFatalError(&core.ProtocolError{MessageType: msg.Type.String(), Reason: err.Error()})
			return
		}
		if p.BuildID != s.buildID {
			err := fmt.Errorf("build mismatch: recording needs %q, this is %q", p.BuildID, s.buildID)
			if s.rec != nil {
				s.rec.Invalidate(err.Error())
			}
			s.ReportFatalError(err)
		}
	case channel.MsgPing:
		var p channel.PingPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		stats := sys.CollectProcessStats()
		_ = s.ch.SendTyped(channel.MsgPingResponse, uint32(s.forkID), &channel.PingResponsePayload{
			ID:         p.ID,
			Progress:   s.e.TotalProgress(),
			RSSBytes:   stats.RSSBytes,
			CPUPercent: stats.CPUPercent,
		})
	case channel.MsgRecordingData:
		var p channel.RecordingDataPayload
		if err := msg.Decode(&p); err != nil {
			s.ReportFatalError(&core.ProtocolError{MessageType: msg.Type.String(), Reason: err.Error()})
			return
		}
		if s.rec == nil {
			return
		}
		if err := s.rec.NewContents(p.Offset, p.Data); err != nil {
			s.ReportFatalError(err)
		}
	case channel.MsgCreateCheckpoint:
		var p channel.CheckpointPayload
		_ = msg.Decode(&p)
		if s.onCheckpointRequest != nil {
			s.onCheckpointRequest(p.Index)
		}
	case channel.MsgTerminate:
		s.terminate()
	case channel.MsgCrash:
		s.logger.Error("supervisor demanded a crash dump", "progress", s.e.TotalProgress())
		_ = sys.ForceCrash(os.Getpid())
	case channel.MsgSharedKeyResponse:
		var p channel.SharedKeyPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		select {
		case s.sharedKeyWaiter <- p:
		default:
		}
	case channel.MsgExternalCallResponse:
		var p channel.ExternalCallPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		select {
		case s.extCallWaiter <- p:
		default:
		}
	default:
		s.logger.Warn("unhandled channel message", "type", msg.Type.String())
	}
}

// requestRecordingData is the recording's length request hook: ask the
// supervisor for bytes past what we have.
func (s *Session) requestRecordingData(have uint64) {
	_ = s.ch.SendTyped(channel.MsgRecordingDataRequest, uint32(s.forkID), &channel.RecordingDataRequestPayload{Have: have})
}

// sendNewRecordingData ships recording contents committed since the last
// send to the supervisor.
func (s *Session) sendNewRecordingData() error {
	s.forkLock.RLock()
	defer s.forkLock.RUnlock()
	s.mu.Lock()
	offset := s.lastSent
	data := s.rec.BytesFrom(offset)
	s.lastSent = offset + uint64(len(data))
	s.mu.Unlock()
	if len(data) == 0 {
		return nil
	}
	return s.ch.SendTyped(channel.MsgRecordingData, uint32(s.forkID), &channel.RecordingDataPayload{Offset: offset, Data: data})
}

// EnsureRecordingLength blocks until the local recording copy reaches
// length bytes, requesting more from the supervisor as needed.
func (s *Session) EnsureRecordingLength(length uint64) error {
	if s.rec == nil {
		return fmt.Errorf("no recording attached")
	}
	return s.rec.EnsureLength(length)
}

// ReportFatalError sends the error to the supervisor and logs it. The
// process is expected to exit shortly after.
func (s *Session) ReportFatalError(err error) {
	s.logger.Error("fatal error", "error", err, "reason", core.UserFacingReason(err))
	_ = s.ch.SendTyped(channel.MsgFatalError, uint32(s.forkID), &channel.TextPayload{Text: err.Error()})
}

// ReportCriticalError sends a resource exhaustion note to the supervisor.
func (s *Session) ReportCriticalError(text string) {
	_ = s.ch.SendTyped(channel.MsgCriticalError, uint32(s.forkID), &channel.TextPayload{Text: text})
}

// ReportUnhandledDivergence tells the supervisor this fork left the
// recorded timeline in a way nothing handled.
func (s *Session) ReportUnhandledDivergence(err error) {
	_ = s.ch.SendTyped(channel.MsgUnhandledDivergence, uint32(s.forkID), &channel.TextPayload{Text: err.Error()})
}

// LogText forwards log output to the supervisor, which owns the terminal.
func (s *Session) LogText(text string) {
	_ = s.ch.SendTyped(channel.MsgLogText, uint32(s.forkID), &channel.TextPayload{Text: text})
}

// SharedKeyGet fetches a value from the store shared across all forks of
// this replay. One request is in flight at a time.
func (s *Session) SharedKeyGet(key string, timeout time.Duration) ([]byte, bool, error) {
	s.forkLock.RLock()
	defer s.forkLock.RUnlock()
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.ch.SendTyped(channel.MsgSharedKeyRequest, uint32(s.forkID), &channel.SharedKeyPayload{Key: key}); err != nil {
		return nil, false, err
	}
	select {
	case p := <-s.sharedKeyWaiter:
		return p.Value, p.Found, nil
	case <-time.After(timeout):
		return nil, false, fmt.Errorf("shared key request for %q timed out", key)
	}
}

// SharedKeySet stores a value in the shared store.
func (s *Session) SharedKeySet(key string, value []byte) error {
	s.forkLock.RLock()
	defer s.forkLock.RUnlock()
	return s.ch.SendTyped(channel.MsgSharedKeySet, uint32(s.forkID), &channel.SharedKeyPayload{Key: key, Value: value, Found: true})
}

// ExternalCall routes an encoded call to the supervisor and returns its
// result. Results are cached by request hash, so repeated calls from
// rewound forks are answered locally.
func (s *Session) ExternalCall(request []byte, timeout time.Duration) ([]byte, error) {
	h := fnv.New64a()
	h.Write(request)
	cacheKey := h.Sum64()

	s.forkLock.RLock()
	defer s.forkLock.RUnlock()
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if result, ok := s.extCallCache[cacheKey]; ok {
		return result, nil
	}
	s.nextCallID++
	id := s.nextCallID
	if err := s.ch.SendTyped(channel.MsgExternalCallRequest, uint32(s.forkID), &channel.ExternalCallPayload{ID: id, Data: request}); err != nil {
		return nil, err
	}
	select {
	case p := <-s.extCallWaiter:
		if p.ID != id {
			return nil, &core.ProtocolError{MessageType: "ExternalCallResponse", Reason: "response id mismatch"}
		}
		s.extCallCache[cacheKey] = p.Data
		return p.Data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("external call %d timed out", id)
	}
}

// terminate flushes a recording process's remaining data before shutdown.
func (s *Session) terminate() {
	if s.rec != nil && s.e.Role() == core.RoleRecording {
		if _, err := s.rec.Flush(); err == nil {
			_ = s.sendNewRecordingData()
		}
	}
	if s.onTerminate != nil {
		s.onTerminate()
	}
}

// Close tears down the session's channel.
func (s *Session) Close() error {
	return s.ch.Close()
}
