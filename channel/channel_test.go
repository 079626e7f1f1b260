package channel_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/INLOpen/nexusreplay/channel"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntroductionPayloadRoundTrip(t *testing.T) {
	in := channel.IntroductionPayload{
		SessionID: uuid.New(),
		BuildID:   "nexusreplay-0.1.0-linux-amd64",
		ForkID:    3,
		PID:       4242,
	}
	data, err := in.MarshalBinary()
	require.NoError(t, err)
	var out channel.IntroductionPayload
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, in, out)
}

func TestPingResponsePayloadRoundTrip(t *testing.T) {
	in := channel.PingResponsePayload{
		ID:         7,
		Progress:   123456,
		RSSBytes:   64 << 20,
		CPUPercent: 12.34,
	}
	data, err := in.MarshalBinary()
	require.NoError(t, err)
	var out channel.PingResponsePayload
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Progress, out.Progress)
	assert.Equal(t, in.RSSBytes, out.RSSBytes)
	assert.InDelta(t, in.CPUPercent, out.CPUPercent, 0.01)
}

func TestSharedKeyPayloadRoundTrip(t *testing.T) {
	for _, in := range []channel.SharedKeyPayload{
		{Key: "session/seed", Value: []byte{1, 2, 3}, Found: true},
		{Key: "missing", Found: false},
		{Key: "", Value: []byte{}, Found: true},
	} {
		data, err := in.MarshalBinary()
		require.NoError(t, err)
		var out channel.SharedKeyPayload
		require.NoError(t, out.UnmarshalBinary(data))
		assert.Equal(t, in.Key, out.Key)
		assert.Equal(t, in.Found, out.Found)
		assert.True(t, bytes.Equal(in.Value, out.Value))
	}
}

func TestPayloadDecodeRejectsShortData(t *testing.T) {
	cases := []channel.IPayload{
		&channel.IntroductionPayload{},
		&channel.PingResponsePayload{},
		&channel.RecordingDataPayload{},
		&channel.RecordingDataRequestPayload{},
		&channel.CheckpointPayload{},
		&channel.SharedKeyPayload{},
		&channel.ExternalCallPayload{},
	}
	for _, p := range cases {
		assert.Error(t, p.UnmarshalBinary([]byte{1, 2}), "%T", p)
	}
}

func TestChannelDelivery(t *testing.T) {
	received := make(chan *channel.Message, 1)
	a, _ := testutil.ChannelPair(t,
		nil,
		func(msg *channel.Message) { received <- msg },
	)

	err := a.SendTyped(channel.MsgPing, uint32(core.RootForkID), &channel.PingPayload{ID: 9})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, channel.MsgPing, msg.Type)
		assert.Equal(t, uint32(core.RootForkID), msg.ForkID)
		var p channel.PingPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, uint32(9), p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestChannelBulkCompression(t *testing.T) {
	// Highly repetitive payload well past the bulk threshold.
	big := bytes.Repeat([]byte("recording chunk body "), 4096)
	received := make(chan *channel.Message, 1)

	connA, connB := net.Pipe()
	logger := testutil.DiscardLogger()
	a := channel.New(connA, nil, channel.Options{Logger: logger})
	b := channel.New(connB, func(msg *channel.Message) { received <- msg }, channel.Options{Logger: logger})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	err := a.SendTyped(channel.MsgRecordingData, 1, &channel.RecordingDataPayload{Offset: 10, Data: big})
	require.NoError(t, err)

	select {
	case msg := <-received:
		var p channel.RecordingDataPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, uint64(10), p.Offset)
		assert.Equal(t, big, p.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("bulk message not delivered")
	}
}

func TestChannelCloseStopsSends(t *testing.T) {
	a, _ := testutil.ChannelPair(t, nil, nil)
	require.NoError(t, a.Close())
	err := a.SendTyped(channel.MsgPing, uint32(core.RootForkID), &channel.PingPayload{ID: 1})
	assert.ErrorIs(t, err, core.ErrChannelClosed)
}

func TestChannelOnClose(t *testing.T) {
	closed := make(chan error, 1)
	connA, connB := net.Pipe()
	a := channel.New(connA, nil, channel.Options{
		Logger:  testutil.DiscardLogger(),
		OnClose: func(err error) { closed <- err },
	})
	defer a.Close()

	require.NoError(t, connB.Close())
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not invoked after peer hangup")
	}
}

func TestDialListenUnixAddr(t *testing.T) {
	addr := "unix:" + t.TempDir() + "/ch.sock"
	ln, err := channel.Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := channel.Dial(addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case sc := <-accepted:
		sc.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
}
