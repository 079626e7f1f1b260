package sys

import (
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// busyWaitRelease is flipped by a debugger (or a test) to release a process
// parked in MaybeWaitForDebugger.
var busyWaitRelease atomic.Bool

// ReleaseBusyWait releases any goroutine parked in MaybeWaitForDebugger.
func ReleaseBusyWait() {
	busyWaitRelease.Store(true)
}

// MaybeWaitForDebugger parks the process at startup when the given
// environment variable is set, so a debugger can attach before any
// record/replay activity begins. The wait ends when ReleaseBusyWait is
// called, typically by a debugger poking the flag.
func MaybeWaitForDebugger(envVar string, logger *slog.Logger) {
	if os.Getenv(envVar) == "" {
		return
	}
	logger.Info("waiting for debugger", "pid", os.Getpid(), "env", envVar)
	for !busyWaitRelease.Load() {
		time.Sleep(10 * time.Millisecond)
	}
	logger.Info("debugger wait released", "pid", os.Getpid())
}
