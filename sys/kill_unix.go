//go:build !windows

package sys

import (
	"golang.org/x/sys/unix"
)

// ForceCrash sends SIGABRT to the given process so it aborts with a core
// dump instead of exiting cleanly. Used on hung replaying processes after
// they have been asked to produce diagnostics.
func ForceCrash(pid int) error {
	return unix.Kill(pid, unix.SIGABRT)
}
