package sys

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time snapshot of the current process's resource
// usage, attached to ping responses for hang diagnostics.
type ProcessStats struct {
	PID        int32
	RSSBytes   uint64
	CPUPercent float64
	SystemUsed float64
}

// CollectProcessStats gathers resource usage for the current process. Any
// probe that fails leaves its field zero; diagnostics are best effort.
func CollectProcessStats() ProcessStats {
	st := ProcessStats{PID: int32(os.Getpid())}
	if p, err := process.NewProcess(st.PID); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			st.RSSBytes = mi.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			st.CPUPercent = pct
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.SystemUsed = vm.UsedPercent
	}
	return st
}
