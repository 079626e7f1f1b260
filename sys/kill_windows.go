//go:build windows

package sys

import (
	"os"
)

// ForceCrash terminates the given process. Windows has no SIGABRT
// equivalent for other processes, so a plain kill is the best available.
func ForceCrash(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
