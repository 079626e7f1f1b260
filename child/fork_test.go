package child_test

import (
	"testing"
	"time"

	"github.com/INLOpen/nexusreplay/channel"
	"github.com/INLOpen/nexusreplay/child"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newForkManager(t *testing.T, handler child.ForkHandler) *child.ForkManager {
	t.Helper()
	m, err := child.NewForkManager(child.ForkManagerOptions{
		ListenAddress: "127.0.0.1:0",
		SnapshotDir:   t.TempDir(),
		Logger:        testutil.DiscardLogger(),
		Handler:       handler,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// dialAsFork connects to the manager the way a re-exec'd fork would.
func dialAsFork(t *testing.T, m *child.ForkManager, id core.ForkID, pid int32, handler channel.Handler) *channel.Channel {
	t.Helper()
	conn, err := channel.Dial(m.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	ch := channel.New(conn, handler, channel.Options{Logger: testutil.DiscardLogger()})
	t.Cleanup(func() { ch.Close() })
	require.NoError(t, ch.SendTyped(channel.MsgIntroduction, uint32(id), &channel.IntroductionPayload{
		ForkID: uint32(id),
		PID:    pid,
	}))
	return ch
}

func TestForkMessagesQueueUntilConnected(t *testing.T) {
	m := newForkManager(t, nil)

	msg, err := channel.NewMessage(channel.MsgCreateCheckpoint, 0, &channel.CheckpointPayload{Index: 4})
	require.NoError(t, err)
	require.NoError(t, m.SendToFork(7, msg))

	_, ok := m.ForkPID(7)
	assert.False(t, ok, "fork is not connected yet")

	received := make(chan *channel.Message, 4)
	dialAsFork(t, m, 7, 1234, func(msg *channel.Message) { received <- msg })

	select {
	case got := <-received:
		assert.Equal(t, channel.MsgCreateCheckpoint, got.Type)
		assert.Equal(t, uint32(7), got.ForkID)
		var p channel.CheckpointPayload
		require.NoError(t, got.Decode(&p))
		assert.Equal(t, uint64(4), p.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message never flushed")
	}

	require.Eventually(t, func() bool {
		pid, ok := m.ForkPID(7)
		return ok && pid == 1234
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForkMessagesRoutedToHandler(t *testing.T) {
	received := make(chan *channel.Message, 4)
	m := newForkManager(t, func(forkID core.ForkID, msg *channel.Message) {
		received <- msg
	})

	ch := dialAsFork(t, m, 2, 99, nil)
	require.NoError(t, ch.SendTyped(channel.MsgLogText, 2, &channel.TextPayload{Text: "hello from fork"}))

	select {
	case msg := <-received:
		assert.Equal(t, channel.MsgLogText, msg.Type)
		var p channel.TextPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, "hello from fork", p.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("fork message never reached the handler")
	}
}

func TestSendToConnectedFork(t *testing.T) {
	m := newForkManager(t, nil)
	received := make(chan *channel.Message, 4)
	dialAsFork(t, m, 1, 55, func(msg *channel.Message) { received <- msg })

	require.Eventually(t, func() bool {
		_, ok := m.ForkPID(1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	msg, err := channel.NewMessage(channel.MsgTerminate, 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.SendToFork(1, msg))

	select {
	case got := <-received:
		assert.Equal(t, channel.MsgTerminate, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}
