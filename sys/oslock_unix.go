//go:build !windows

package sys

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireOSFileLock attempts to acquire an advisory exclusive lock on
// lockPath using POSIX flock. It opens (or creates) the file and acquires
// the lock on the file descriptor. On success it returns a release function
// which unlocks, closes and removes the file. The function retries until
// the provided timeout elapses.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			rel := func() error {
				_ = unix.Flock(fd, unix.LOCK_UN)
				_ = f.Close()
				_ = os.Remove(lockPath)
				return nil
			}
			return rel, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
