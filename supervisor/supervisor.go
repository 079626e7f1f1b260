// Package supervisor runs the parent side of a record/replay session. It
// accepts connections from recording and replaying processes, relays
// recording contents between them, answers shared key and external call
// requests, and watches children for hangs.
package supervisor

import (
	"expvar"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/INLOpen/nexusreplay/channel"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/google/uuid"
)

var (
	metricChildrenJoined  = expvar.NewInt("nexusreplay_supervisor_children_joined")
	metricChildrenLost    = expvar.NewInt("nexusreplay_supervisor_children_lost")
	metricRecordingBytes  = expvar.NewInt("nexusreplay_supervisor_recording_bytes")
	metricFatalReports    = expvar.NewInt("nexusreplay_supervisor_fatal_reports")
	metricHangsDetected   = expvar.NewInt("nexusreplay_supervisor_hangs_detected")
	metricExternalCalls   = expvar.NewInt("nexusreplay_supervisor_external_calls")
	metricExternalCallHit = expvar.NewInt("nexusreplay_supervisor_external_call_cache_hits")
)

// ExternalCallHandler performs a call on behalf of a replaying child and
// returns its encoded result.
type ExternalCallHandler func(request []byte) ([]byte, error)

// Options configures a Supervisor.
type Options struct {
	ListenAddress  string
	BuildID        string
	PingInterval   time.Duration
	MaxMissedPings int
	// CrashGrace is how long a hung child gets to produce a crash dump
	// after a Crash message before it is killed outright.
	CrashGrace time.Duration
	Logger     *slog.Logger

	ExternalCall ExternalCallHandler
	// OnChildFatal is invoked when a child reports a fatal error or is
	// declared hung. The supervisor keeps running; session teardown is
	// the caller's decision.
	OnChildFatal func(child uuid.UUID, err error)
}

// Child is the supervisor's view of one connected process.
type Child struct {
	SessionID uuid.UUID
	ForkID    core.ForkID
	PID       int32

	ch *channel.Channel

	mu           sync.Mutex
	lastPingID   uint32
	lastPongID   uint32
	missedPings  int
	progress     uint64
	lastProgress uint64
	rssBytes     uint64
	cpuPercent   float64
	// wantData is an unanswered recording data request offset, answered
	// as soon as more contents arrive.
	wantData  uint64
	wantsData bool
	// hung latches once the crash sequence starts, so repeated probe
	// ticks cannot re-declare the same hang.
	hung       bool
	connected  time.Time
	lastActive time.Time
}

// Progress returns the child's last reported progress counter.
func (c *Child) Progress() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Supervisor accepts and manages child processes for one session.
type Supervisor struct {
	opts     Options
	logger   *slog.Logger
	listener net.Listener

	contents *contentsBuffer

	mu       sync.Mutex
	children map[uuid.UUID]*Child
	closed   bool

	keysMu     sync.Mutex
	sharedKeys map[string][]byte

	callMu    sync.Mutex
	callCache map[uint64][]byte

	stop chan struct{}
	wg   sync.WaitGroup
}

// New starts a supervisor listening for children.
func New(opts Options) (*Supervisor, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 2 * time.Second
	}
	if opts.MaxMissedPings <= 0 {
		opts.MaxMissedPings = 5
	}
	if opts.CrashGrace <= 0 {
		opts.CrashGrace = 5 * time.Second
	}
	l, err := channel.Listen(opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("supervisor listener on %s: %w", opts.ListenAddress, err)
	}
	s := &Supervisor{
		opts:       opts,
		logger:     opts.Logger.With("component", "supervisor"),
		listener:   l,
		contents:   newContentsBuffer(),
		children:   make(map[uuid.UUID]*Child),
		sharedKeys: make(map[string][]byte),
		callCache:  make(map[uint64][]byte),
		stop:       make(chan struct{}),
	}
	s.wg.Add(2)
	go s.acceptLoop()
	go s.pingLoop()
	return s, nil
}

// Addr returns the listener's address, useful when listening on port 0.
func (s *Supervisor) Addr() net.Addr { return s.listener.Addr() }

// RecordingLength returns how much recording content the supervisor holds.
func (s *Supervisor) RecordingLength() uint64 { return s.contents.length() }

// RecordingBytesFrom copies held recording contents from offset on.
func (s *Supervisor) RecordingBytesFrom(offset uint64) []byte {
	return s.contents.bytesFrom(offset)
}

// Children returns a snapshot of connected children.
func (s *Supervisor) Children() []*Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Child, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	return out
}

func (s *Supervisor) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.adoptConn(conn)
	}
}

// adoptConn wires a new connection. The child is registered once its
// Introduction arrives; everything before that is a protocol error.
func (s *Supervisor) adoptConn(conn net.Conn) {
	var (
		mu    sync.Mutex
		child *Child
		ch    *channel.Channel
	)
	handler := func(msg *channel.Message) {
		mu.Lock()
		c := child
		mu.Unlock()
		if c == nil {
			if msg.Type != channel.MsgIntroduction {
				s.logger.Error("message before introduction", "type", msg.Type.String())
				ch.Close()
				return
			}
			var p channel.IntroductionPayload
			if err := msg.Decode(&p); err != nil {
				s.logger.Error("bad introduction", "error", err)
				ch.Close()
				return
			}
			c = s.registerChild(&p, ch)
			mu.Lock()
			child = c
			mu.Unlock()
			return
		}
		s.handleChildMessage(c, msg)
	}
	ch = channel.New(conn, handler, channel.Options{
		Logger: s.opts.Logger,
		OnClose: func(err error) {
			mu.Lock()
			c := child
			mu.Unlock()
			if c != nil {
				s.dropChild(c, err)
			}
		},
	})
}

func (s *Supervisor) registerChild(p *channel.IntroductionPayload, ch *channel.Channel) *Child {
	now := time.Now()
	c := &Child{
		SessionID:  p.SessionID,
		ForkID:     core.ForkID(p.ForkID),
		PID:        p.PID,
		ch:         ch,
		connected:  now,
		lastActive: now,
	}
	s.mu.Lock()
	s.children[c.SessionID] = c
	s.mu.Unlock()
	metricChildrenJoined.Add(1)
	s.logger.Info("child joined", "session", c.SessionID, "fork", p.ForkID, "pid", p.PID, "build", p.BuildID)

	// Answer with our own introduction so the child can verify builds.
	_ = ch.SendTyped(channel.MsgIntroduction, p.ForkID, &channel.IntroductionPayload{
		SessionID: c.SessionID,
		BuildID:   s.opts.BuildID,
		ForkID:    p.ForkID,
	})
	return c
}

func (s *Supervisor) dropChild(c *Child, err error) {
	s.mu.Lock()
	_, present := s.children[c.SessionID]
	delete(s.children, c.SessionID)
	s.mu.Unlock()
	if !present {
		return
	}
	metricChildrenLost.Add(1)
	if err != nil {
		s.logger.Warn("child connection lost", "session", c.SessionID, "error", err)
	} else {
		s.logger.Info("child disconnected", "session", c.SessionID)
	}
}

func (s *Supervisor) handleChildMessage(c *Child, msg *channel.Message) {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()

	switch msg.Type {
	case channel.MsgPingResponse:
		var p channel.PingResponsePayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.lastPongID = p.ID
		c.missedPings = 0
		c.lastProgress = c.progress
		c.progress = p.Progress
		c.rssBytes = p.RSSBytes
		c.cpuPercent = p.CPUPercent
		c.mu.Unlock()
	case channel.MsgRecordingData:
		var p channel.RecordingDataPayload
		if err := msg.Decode(&p); err != nil {
			s.logger.Error("bad recording data", "session", c.SessionID, "error", err)
			return
		}
		if err := s.contents.add(p.Offset, p.Data); err != nil {
			s.logger.Error("incorporating recording data", "error", err)
			return
		}
		metricRecordingBytes.Add(int64(len(p.Data)))
		s.serveWaitingReaders()
	case channel.MsgRecordingDataRequest:
		var p channel.RecordingDataRequestPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		s.serveRecordingData(c, p.Have)
	case channel.MsgFatalError:
		var p channel.TextPayload
		_ = msg.Decode(&p)
		metricFatalReports.Add(1)
		err := fmt.Errorf("child fatal: %s", p.Text)
		s.logger.Error("child reported fatal error", "session", c.SessionID, "detail", p.Text)
		if s.opts.OnChildFatal != nil {
			s.opts.OnChildFatal(c.SessionID, err)
		}
	case channel.MsgCriticalError:
		var p channel.TextPayload
		_ = msg.Decode(&p)
		s.logger.Warn("child reported critical error", "session", c.SessionID, "detail", p.Text)
	case channel.MsgUnhandledDivergence:
		var p channel.TextPayload
		_ = msg.Decode(&p)
		s.logger.Error("child diverged from recording", "session", c.SessionID, "detail", p.Text)
		if s.opts.OnChildFatal != nil {
			s.opts.OnChildFatal(c.SessionID, fmt.Errorf("unhandled divergence: %s", p.Text))
		}
	case channel.MsgLogText:
		var p channel.TextPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		s.logger.Info("child log", "session", c.SessionID, "text", p.Text)
	case channel.MsgSharedKeyRequest:
		var p channel.SharedKeyPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		s.keysMu.Lock()
		value, found := s.sharedKeys[p.Key]
		s.keysMu.Unlock()
		_ = c.ch.SendTyped(channel.MsgSharedKeyResponse, uint32(c.ForkID), &channel.SharedKeyPayload{
			Key: p.Key, Value: value, Found: found,
		})
	case channel.MsgSharedKeySet:
		var p channel.SharedKeyPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		s.keysMu.Lock()
		s.sharedKeys[p.Key] = p.Value
		s.keysMu.Unlock()
	case channel.MsgExternalCallRequest:
		var p channel.ExternalCallPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		go s.serveExternalCall(c, &p)
	default:
		s.logger.Warn("unhandled child message", "session", c.SessionID, "type", msg.Type.String())
	}
}

// serveRecordingData answers a child's request for contents past what it
// holds, deferring the answer when nothing new is committed yet.
func (s *Supervisor) serveRecordingData(c *Child, have uint64) {
	data := s.contents.bytesFrom(have)
	if len(data) == 0 {
		c.mu.Lock()
		c.wantData = have
		c.wantsData = true
		c.mu.Unlock()
		return
	}
	_ = c.ch.SendTyped(channel.MsgRecordingData, uint32(c.ForkID), &channel.RecordingDataPayload{
		Offset: have, Data: data,
	})
}

// serveWaitingReaders answers requests that were deferred for lack of
// data.
func (s *Supervisor) serveWaitingReaders() {
	for _, c := range s.Children() {
		c.mu.Lock()
		wants, from := c.wantsData, c.wantData
		c.wantsData = false
		c.mu.Unlock()
		if wants {
			s.serveRecordingData(c, from)
		}
	}
}

// serveExternalCall runs the handler and replies. Results are cached by
// request hash so rewound forks repeating a call get the original answer.
func (s *Supervisor) serveExternalCall(c *Child, p *channel.ExternalCallPayload) {
	metricExternalCalls.Add(1)
	h := fnv.New64a()
	h.Write(p.Data)
	key := h.Sum64()

	s.callMu.Lock()
	result, ok := s.callCache[key]
	s.callMu.Unlock()
	if ok {
		metricExternalCallHit.Add(1)
	} else {
		if s.opts.ExternalCall == nil {
			s.logger.Warn("external call with no handler", "session", c.SessionID)
			result = nil
		} else {
			var err error
			result, err = s.opts.ExternalCall(p.Data)
			if err != nil {
				s.logger.Error("external call failed", "session", c.SessionID, "error", err)
				result = nil
			}
		}
		s.callMu.Lock()
		s.callCache[key] = result
		s.callMu.Unlock()
	}
	_ = c.ch.SendTyped(channel.MsgExternalCallResponse, uint32(c.ForkID), &channel.ExternalCallPayload{
		ID: p.ID, Data: result,
	})
}

// RequestCheckpoint asks a child to create a checkpoint at its next
// opportunity.
func (s *Supervisor) RequestCheckpoint(child uuid.UUID, index uint64) error {
	c, err := s.child(child)
	if err != nil {
		return err
	}
	return c.ch.SendTyped(channel.MsgCreateCheckpoint, uint32(c.ForkID), &channel.CheckpointPayload{Index: index})
}

// Terminate asks a child to flush and shut down.
func (s *Supervisor) Terminate(child uuid.UUID) error {
	c, err := s.child(child)
	if err != nil {
		return err
	}
	return c.ch.SendTyped(channel.MsgTerminate, uint32(c.ForkID), nil)
}

func (s *Supervisor) child(id uuid.UUID) (*Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return nil, fmt.Errorf("no such child %s", id)
	}
	return c, nil
}

// Close shuts the supervisor down, closing all child channels.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	children := make([]*Child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()
	close(s.stop)
	err := s.listener.Close()
	for _, c := range children {
		c.ch.Close()
	}
	s.wg.Wait()
	return err
}
