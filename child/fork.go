package child

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/nexusreplay/channel"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/engine"
	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/INLOpen/nexusreplay/recording"
	"github.com/google/uuid"
)

var (
	metricForksStarted   = expvar.NewInt("nexusreplay_forks_started")
	metricForksConnected = expvar.NewInt("nexusreplay_forks_connected")
	metricForkTimeouts   = expvar.NewInt("nexusreplay_fork_timeouts")
)

// ForkHandler receives messages arriving from a connected fork.
type ForkHandler func(forkID core.ForkID, msg *channel.Message)

// ForkManagerOptions configures a ForkManager.
type ForkManagerOptions struct {
	// ListenAddress is where re-exec'd forks connect back. Accepts the
	// same "unix:" prefix as channel addresses.
	ListenAddress string
	// SnapshotDir holds snapshot files handed to forks.
	SnapshotDir string
	// InitTimeout bounds how long PerformFork waits for the fork to
	// introduce itself.
	InitTimeout time.Duration
	// ForkLock, when set, is write-locked while a fork is created so
	// session traffic holding the read side cannot span the fork point.
	// Wire it to Session.ForkLock.
	ForkLock *sync.RWMutex
	// Hooks receives PostSnapshotWrite and PostFork events.
	Hooks   hooks.HookManager
	Logger  *slog.Logger
	Handler ForkHandler
}

type fork struct {
	id    core.ForkID
	ch    *channel.Channel
	pid   int32
	ready chan struct{}
}

// ForkManager runs in the root replaying process. It spawns forked replay
// processes by re-executing the current binary against a snapshot, accepts
// their connections, and routes messages to and from them. Messages sent
// to a fork before it connects are queued and delivered in order once it
// introduces itself.
type ForkManager struct {
	opts     ForkManagerOptions
	logger   *slog.Logger
	listener net.Listener

	mu      sync.Mutex
	forks   map[core.ForkID]*fork
	pending map[core.ForkID][]*channel.Message
	nextID  core.ForkID
	closed  bool
}

// NewForkManager starts listening for fork connections.
func NewForkManager(opts ForkManagerOptions) (*ForkManager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 30 * time.Second
	}
	l, err := channel.Listen(opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("fork listener on %s: %w", opts.ListenAddress, err)
	}
	m := &ForkManager{
		opts:     opts,
		logger:   opts.Logger.With("component", "forkmanager"),
		listener: l,
		forks:    make(map[core.ForkID]*fork),
		pending:  make(map[core.ForkID][]*channel.Message),
		nextID:   core.RootForkID,
	}
	go m.acceptLoop()
	return m, nil
}

// Addr returns the fork listener's address, useful when listening on port
// 0.
func (m *ForkManager) Addr() net.Addr { return m.listener.Addr() }

func (m *ForkManager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if !closed {
				m.logger.Error("fork accept failed", "error", err)
			}
			return
		}
		m.adoptConn(conn)
	}
}

// adoptConn wraps a fresh fork connection. The fork's identity is unknown
// until its Introduction arrives, so the channel handler registers it on
// first contact and forwards everything else to the manager's handler.
func (m *ForkManager) adoptConn(conn net.Conn) {
	var (
		once sync.Once
		ch   *channel.Channel
	)
	handler := func(msg *channel.Message) {
		if msg.Type == channel.MsgIntroduction {
			var p channel.IntroductionPayload
			if err := msg.Decode(&p); err != nil {
				m.logger.Error("bad fork introduction", "error", err)
				ch.Close()
				return
			}
			once.Do(func() { m.registerFork(core.ForkID(p.ForkID), p.PID, ch) })
			return
		}
		if m.opts.Handler != nil {
			m.opts.Handler(core.ForkID(msg.ForkID), msg)
		}
	}
	ch = channel.New(conn, handler, channel.Options{Logger: m.opts.Logger})
}

func (m *ForkManager) registerFork(id core.ForkID, pid int32, ch *channel.Channel) {
	m.mu.Lock()
	f, ok := m.forks[id]
	if !ok {
		f = &fork{id: id, ready: make(chan struct{})}
		m.forks[id] = f
	}
	f.ch = ch
	f.pid = pid
	queued := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()

	metricForksConnected.Add(1)
	m.logger.Info("fork connected", "fork", uint32(id), "pid", pid, "queued", len(queued))
	for _, msg := range queued {
		if err := ch.Send(msg); err != nil {
			m.logger.Error("flushing queued fork message", "fork", uint32(id), "error", err)
			break
		}
	}
	close(f.ready)
}

// ForkSpec describes the replay state a new fork starts from.
type ForkSpec struct {
	CheckpointIndex uint64
	Progress        uint64
	RecordingLength uint64
	Streams         []recording.StreamSnapshot
	// ExtraArgs are appended to the re-exec command line after the fork
	// flags.
	ExtraArgs []string
}

// Command-line flags the forked process is started with. The host binary
// must recognize them and call RestoreForkedEngine.
const (
	ForkIDFlag       = "--replay-fork-id"
	ForkSnapshotFlag = "--replay-fork-snapshot"
	ForkAddrFlag     = "--replay-fork-addr"
)

// PerformFork writes a snapshot, re-executes the current binary against
// it, and waits for the fork to connect. Returns core.ErrForkTimeout if
// the fork does not introduce itself within the init timeout.
func (m *ForkManager) PerformFork(ctx context.Context, spec ForkSpec) (core.ForkID, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, core.ErrEngineClosed
	}
	m.nextID++
	id := m.nextID
	f := &fork{id: id, ready: make(chan struct{})}
	m.forks[id] = f
	m.mu.Unlock()

	if err := m.spawnFork(ctx, id, spec); err != nil {
		return 0, err
	}

	select {
	case <-f.ready:
		if m.opts.Hooks != nil {
			_ = m.opts.Hooks.Trigger(ctx, hooks.NewPostForkEvent(hooks.PostForkPayload{
				ForkID:     id,
				Checkpoint: spec.CheckpointIndex,
			}))
		}
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(m.opts.InitTimeout):
		metricForkTimeouts.Add(1)
		return 0, fmt.Errorf("fork %d: %w", uint32(id), core.ErrForkTimeout)
	}
}

// spawnFork writes the snapshot and re-executes the binary against it.
// The fork lock is held for writing across both so session traffic cannot
// straddle the fork point.
func (m *ForkManager) spawnFork(ctx context.Context, id core.ForkID, spec ForkSpec) error {
	if m.opts.ForkLock != nil {
		m.opts.ForkLock.Lock()
		defer m.opts.ForkLock.Unlock()
	}

	snap := &Snapshot{
		ForkID:          id,
		CheckpointIndex: spec.CheckpointIndex,
		Progress:        spec.Progress,
		RecordingLength: spec.RecordingLength,
		Streams:         spec.Streams,
	}
	path := filepath.Join(m.opts.SnapshotDir, fmt.Sprintf("fork-%d.snapshot", uint32(id)))
	start := time.Now()
	if err := snap.WriteFile(path); err != nil {
		return fmt.Errorf("writing fork snapshot: %w", err)
	}
	if m.opts.Hooks != nil {
		_ = m.opts.Hooks.Trigger(ctx, hooks.NewPostSnapshotWriteEvent(hooks.PostSnapshotWritePayload{
			Path:       path,
			Checkpoint: spec.CheckpointIndex,
			Duration:   time.Since(start),
		}))
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable for re-exec: %w", err)
	}
	args := []string{
		ForkIDFlag, fmt.Sprintf("%d", uint32(id)),
		ForkSnapshotFlag, path,
		ForkAddrFlag, m.opts.ListenAddress,
	}
	args = append(args, spec.ExtraArgs...)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting fork %d: %w", uint32(id), err)
	}
	metricForksStarted.Add(1)
	m.logger.Info("fork started", "fork", uint32(id), "checkpoint", spec.CheckpointIndex, "pid", cmd.Process.Pid)
	go func() { _ = cmd.Wait() }()
	return nil
}

// SendToFork delivers a message to a fork, queueing it if the fork has not
// connected yet.
func (m *ForkManager) SendToFork(id core.ForkID, msg *channel.Message) error {
	m.mu.Lock()
	f, ok := m.forks[id]
	if !ok || f.ch == nil {
		msg.ForkID = uint32(id)
		m.pending[id] = append(m.pending[id], msg)
		m.mu.Unlock()
		return nil
	}
	ch := f.ch
	m.mu.Unlock()
	msg.ForkID = uint32(id)
	return ch.Send(msg)
}

// ForkPID returns the process ID of a connected fork.
func (m *ForkManager) ForkPID(id core.ForkID) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forks[id]
	if !ok || f.ch == nil {
		return 0, false
	}
	return f.pid, true
}

// Close stops accepting forks and closes all fork channels.
func (m *ForkManager) Close() error {
	m.mu.Lock()
	m.closed = true
	forks := make([]*fork, 0, len(m.forks))
	for _, f := range m.forks {
		forks = append(forks, f)
	}
	m.mu.Unlock()
	err := m.listener.Close()
	for _, f := range forks {
		if f.ch != nil {
			f.ch.Close()
		}
	}
	return err
}

// RestoreOptions configures RestoreForkedEngine.
type RestoreOptions struct {
	SnapshotPath string
	// Address is the root process's fork listener address.
	Address     string
	DialTimeout time.Duration
	Logger      *slog.Logger
	// BuildEngine constructs the replaying engine around the restored
	// recording. Threads must be registered in the same order as in the
	// original replay before events resume.
	BuildEngine func(rec *recording.Recording) (*engine.Engine, error)
	// Session options forwarded to the new session.
	SessionID uuid.UUID
	BuildID   string

	OnCheckpointRequest func(index uint64)
	OnTerminate         func()
}

// RestoreForkedEngine boots a forked replay process: it loads the
// snapshot, connects back to the root, pulls the recording prefix the
// snapshot covers, and fast-forwards every stream to the snapshot's
// consumption points.
func RestoreForkedEngine(opts RestoreOptions) (*engine.Engine, *Session, *Snapshot, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	snap, err := ReadSnapshotFile(opts.SnapshotPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading fork snapshot: %w", err)
	}
	rec := recording.New(recording.Options{Role: core.RoleReplaying, Logger: opts.Logger})
	eng, err := opts.BuildEngine(rec)
	if err != nil {
		return nil, nil, nil, err
	}
	conn, err := channel.Dial(opts.Address, opts.DialTimeout)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dialing root at %s: %w", opts.Address, err)
	}
	sess, err := NewSession(Options{
		Engine:              eng,
		Conn:                conn,
		Logger:              opts.Logger,
		SessionID:           opts.SessionID,
		BuildID:             opts.BuildID,
		ForkID:              snap.ForkID,
		OnCheckpointRequest: opts.OnCheckpointRequest,
		OnTerminate:         opts.OnTerminate,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := sess.EnsureRecordingLength(snap.RecordingLength); err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("fetching recording prefix: %w", err)
	}
	if err := rec.FastForward(snap.Streams); err != nil {
		sess.Close()
		return nil, nil, nil, err
	}
	opts.Logger.Info("fork restored",
		"fork", uint32(snap.ForkID),
		"checkpoint", snap.CheckpointIndex,
		"recording_length", snap.RecordingLength)
	return eng, sess, snap, nil
}
