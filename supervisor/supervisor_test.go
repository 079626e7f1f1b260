package supervisor_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusreplay/channel"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/internal/testutil"
	"github.com/INLOpen/nexusreplay/supervisor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSupervisor(t *testing.T, opts supervisor.Options) *supervisor.Supervisor {
	t.Helper()
	opts.ListenAddress = "127.0.0.1:0"
	if opts.Logger == nil {
		opts.Logger = testutil.DiscardLogger()
	}
	if opts.BuildID == "" {
		opts.BuildID = "test-build"
	}
	s, err := supervisor.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// testChild is a scripted child process end of a supervisor connection.
type testChild struct {
	id       uuid.UUID
	ch       *channel.Channel
	received chan *channel.Message
}

func connectChild(t *testing.T, s *supervisor.Supervisor, forkID uint32) *testChild {
	t.Helper()
	conn, err := channel.Dial(s.Addr().String(), 2*time.Second)
	require.NoError(t, err)

	c := &testChild{id: uuid.New(), received: make(chan *channel.Message, 32)}
	c.ch = channel.New(conn, func(msg *channel.Message) { c.received <- msg }, channel.Options{
		Logger: testutil.DiscardLogger(),
	})
	t.Cleanup(func() { c.ch.Close() })

	// PID stays zero so hang handling never signals a real process.
	require.NoError(t, c.ch.SendTyped(channel.MsgIntroduction, forkID, &channel.IntroductionPayload{
		SessionID: c.id,
		BuildID:   "test-build",
		ForkID:    forkID,
	}))
	require.Eventually(t, func() bool {
		for _, child := range s.Children() {
			if child.SessionID == c.id {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (c *testChild) expect(t *testing.T, mt channel.MessageType) *channel.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.received:
			if msg.Type == mt {
				return msg
			}
		case <-deadline:
			t.Fatalf("message %s never arrived", mt)
		}
	}
}

func TestChildRegistration(t *testing.T) {
	s := startSupervisor(t, supervisor.Options{PingInterval: time.Hour})
	c := connectChild(t, s, 0)

	msg := c.expect(t, channel.MsgIntroduction)
	var intro channel.IntroductionPayload
	require.NoError(t, msg.Decode(&intro))
	assert.Equal(t, "test-build", intro.BuildID)
	require.Len(t, s.Children(), 1)
	assert.Equal(t, c.id, s.Children()[0].SessionID)
}

func TestRecordingDataRelay(t *testing.T) {
	s := startSupervisor(t, supervisor.Options{PingInterval: time.Hour})
	recorder := connectChild(t, s, 0)
	replayer := connectChild(t, s, 1)

	// The replayer asks before anything is committed; the answer is
	// deferred.
	require.NoError(t, replayer.ch.SendTyped(channel.MsgRecordingDataRequest, 1, &channel.RecordingDataRequestPayload{Have: 0}))

	contents := []byte("chunked recording bytes")
	require.NoError(t, recorder.ch.SendTyped(channel.MsgRecordingData, 0, &channel.RecordingDataPayload{
		Offset: 0, Data: contents,
	}))

	msg := replayer.expect(t, channel.MsgRecordingData)
	var p channel.RecordingDataPayload
	require.NoError(t, msg.Decode(&p))
	assert.Zero(t, p.Offset)
	assert.Equal(t, contents, p.Data)

	require.Eventually(t, func() bool {
		return s.RecordingLength() == uint64(len(contents))
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, contents, s.RecordingBytesFrom(0))
	assert.Equal(t, contents[10:], s.RecordingBytesFrom(10))
}

func TestSharedKeyStore(t *testing.T) {
	s := startSupervisor(t, supervisor.Options{PingInterval: time.Hour})
	setter := connectChild(t, s, 1)
	getter := connectChild(t, s, 2)

	// Missing keys answer found=false.
	require.NoError(t, getter.ch.SendTyped(channel.MsgSharedKeyRequest, 2, &channel.SharedKeyPayload{Key: "seed"}))
	msg := getter.expect(t, channel.MsgSharedKeyResponse)
	var p channel.SharedKeyPayload
	require.NoError(t, msg.Decode(&p))
	assert.False(t, p.Found)

	require.NoError(t, setter.ch.SendTyped(channel.MsgSharedKeySet, 1, &channel.SharedKeyPayload{
		Key: "seed", Value: []byte{42}, Found: true,
	}))
	// The set travels on another connection; retry until it lands.
	for i := 0; i < 100 && !p.Found; i++ {
		require.NoError(t, getter.ch.SendTyped(channel.MsgSharedKeyRequest, 2, &channel.SharedKeyPayload{Key: "seed"}))
		msg = getter.expect(t, channel.MsgSharedKeyResponse)
		require.NoError(t, msg.Decode(&p))
		if !p.Found {
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.True(t, p.Found)
	assert.Equal(t, []byte{42}, p.Value)
}

func TestExternalCallCaching(t *testing.T) {
	var calls atomic.Int32
	s := startSupervisor(t, supervisor.Options{
		PingInterval: time.Hour,
		ExternalCall: func(request []byte) ([]byte, error) {
			calls.Add(1)
			return append([]byte("echo:"), request...), nil
		},
	})
	c := connectChild(t, s, 1)

	require.NoError(t, c.ch.SendTyped(channel.MsgExternalCallRequest, 1, &channel.ExternalCallPayload{ID: 1, Data: []byte("now")}))
	msg := c.expect(t, channel.MsgExternalCallResponse)
	var p channel.ExternalCallPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, uint64(1), p.ID)
	assert.Equal(t, []byte("echo:now"), p.Data)

	// The same request from a rewound fork is served from the cache.
	require.NoError(t, c.ch.SendTyped(channel.MsgExternalCallRequest, 1, &channel.ExternalCallPayload{ID: 2, Data: []byte("now")}))
	msg = c.expect(t, channel.MsgExternalCallResponse)
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, uint64(2), p.ID)
	assert.Equal(t, []byte("echo:now"), p.Data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFatalReportsReachCallback(t *testing.T) {
	fatal := make(chan uuid.UUID, 1)
	s := startSupervisor(t, supervisor.Options{
		PingInterval: time.Hour,
		OnChildFatal: func(child uuid.UUID, err error) {
			select {
			case fatal <- child:
			default:
			}
		},
	})
	c := connectChild(t, s, 0)
	require.NoError(t, c.ch.SendTyped(channel.MsgFatalError, 0, &channel.TextPayload{Text: "replay diverged"}))

	select {
	case id := <-fatal:
		assert.Equal(t, c.id, id)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal report never surfaced")
	}
}

func TestHangDetection(t *testing.T) {
	fatal := make(chan error, 1)
	s := startSupervisor(t, supervisor.Options{
		PingInterval:   20 * time.Millisecond,
		MaxMissedPings: 2,
		CrashGrace:     10 * time.Millisecond,
		OnChildFatal: func(child uuid.UUID, err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	c := connectChild(t, s, 3)

	// Never answer pings. The crash demand comes first, then the drop.
	c.expect(t, channel.MsgCrash)
	select {
	case err := <-fatal:
		var he *core.HangError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, core.ForkID(3), he.ForkID)
	case <-time.After(5 * time.Second):
		t.Fatal("hang never detected")
	}
	require.Eventually(t, func() bool {
		return len(s.Children()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHangDeclaredOnce(t *testing.T) {
	var fatals atomic.Int32
	s := startSupervisor(t, supervisor.Options{
		PingInterval:   10 * time.Millisecond,
		MaxMissedPings: 1,
		// Many probe ticks fit inside the grace period; none of them may
		// re-declare the hang.
		CrashGrace: 300 * time.Millisecond,
		OnChildFatal: func(child uuid.UUID, err error) {
			fatals.Add(1)
		},
	})
	c := connectChild(t, s, 1)

	c.expect(t, channel.MsgCrash)
	require.Eventually(t, func() bool {
		return fatals.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Drain everything received after the crash demand; a second Crash
	// or fatal means the hang fired again.
	time.Sleep(200 * time.Millisecond)
	crashes := 0
	for {
		select {
		case msg := <-c.received:
			if msg.Type == channel.MsgCrash {
				crashes++
			}
			continue
		default:
		}
		break
	}
	assert.Zero(t, crashes)
	assert.Equal(t, int32(1), fatals.Load())
}

func TestCheckpointAndTerminateRouting(t *testing.T) {
	s := startSupervisor(t, supervisor.Options{PingInterval: time.Hour})
	c := connectChild(t, s, 0)

	require.NoError(t, s.RequestCheckpoint(c.id, 7))
	msg := c.expect(t, channel.MsgCreateCheckpoint)
	var p channel.CheckpointPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, uint64(7), p.Index)

	require.NoError(t, s.Terminate(c.id))
	c.expect(t, channel.MsgTerminate)

	err := s.RequestCheckpoint(uuid.New(), 1)
	assert.ErrorContains(t, err, "no such child")
}
