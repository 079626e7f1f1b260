// Package testutil provides shared helpers for package tests.
package testutil

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/INLOpen/nexusreplay/channel"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/recording"
	"github.com/stretchr/testify/require"
)

// DiscardLogger returns a logger suitable for tests that do not assert on
// log output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ChannelPair returns two connected channels over an in-memory pipe. Both
// are closed when the test finishes.
func ChannelPair(t *testing.T, handlerA, handlerB channel.Handler) (*channel.Channel, *channel.Channel) {
	t.Helper()
	connA, connB := net.Pipe()
	logger := DiscardLogger()
	a := channel.New(connA, handlerA, channel.Options{Logger: logger})
	b := channel.New(connB, handlerB, channel.Options{Logger: logger})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// NewRecorder returns a recording in the recording role.
func NewRecorder(t *testing.T) *recording.Recording {
	t.Helper()
	return recording.New(recording.Options{Role: core.RoleRecording, Logger: DiscardLogger()})
}

// NewReplayer returns a recording in the replaying role.
func NewReplayer(t *testing.T) *recording.Recording {
	t.Helper()
	return recording.New(recording.Options{Role: core.RoleReplaying, Logger: DiscardLogger()})
}

// CopyContents flushes the recorder and feeds its entire contents to the
// replayer in one delivery.
func CopyContents(t *testing.T, from, to *recording.Recording) uint64 {
	t.Helper()
	n, err := from.Flush()
	require.NoError(t, err)
	require.NoError(t, to.NewContents(0, from.BytesFrom(0)))
	return n
}
