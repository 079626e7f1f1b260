package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector periodically samples host-level CPU, memory and disk
// usage and publishes them via expvar, alongside the replay engine's own
// counters.
type SystemCollector struct {
	cpuUsagePercent  *expvar.Float
	memUsagePercent  *expvar.Float
	diskUsagePercent *expvar.Float
	diskPath         string
	interval         time.Duration
	stopChan         chan struct{}
	wg               sync.WaitGroup
	logger           *slog.Logger
}

// NewSystemCollector creates a collector. diskPath is the path whose
// filesystem usage is tracked, typically the recording directory.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	return &SystemCollector{
		cpuUsagePercent:  expvar.NewFloat("system_cpu_usage_percent"),
		memUsagePercent:  expvar.NewFloat("system_mem_usage_percent"),
		diskUsagePercent: expvar.NewFloat("system_disk_usage_percent"),
		diskPath:         diskPath,
		interval:         interval,
		stopChan:         make(chan struct{}),
		logger:           logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.logger.Info("Stopping system metrics collector")
	close(sc.stopChan)
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// cpu.Percent blocks for its measurement window, so keep it
			// shorter than the tick.
			cpuPercentages, err := cpu.Percent(sc.interval-time.Second, false)
			if err == nil && len(cpuPercentages) > 0 {
				sc.cpuUsagePercent.Set(cpuPercentages[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				sc.memUsagePercent.Set(vm.UsedPercent)
			}
			if sc.diskPath != "" {
				if du, err := disk.Usage(sc.diskPath); err == nil {
					sc.diskUsagePercent.Set(du.UsedPercent)
				}
			}
		case <-sc.stopChan:
			return
		}
	}
}
