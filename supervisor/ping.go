package supervisor

import (
	"time"

	"github.com/INLOpen/nexusreplay/channel"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/sys"
)

// pingLoop probes every child on a fixed interval. A child that misses
// too many pings in a row without making progress is declared hung: it
// gets a Crash message, a grace period to produce a dump, and then a
// forced kill.
func (s *Supervisor) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, c := range s.Children() {
				s.probeChild(c)
			}
		}
	}
}

func (s *Supervisor) probeChild(c *Child) {
	c.mu.Lock()
	if c.hung {
		// Already in the crash sequence; dropChild removes it.
		c.mu.Unlock()
		return
	}
	answered := c.lastPongID == c.lastPingID
	advanced := c.progress > c.lastProgress
	if !answered && !advanced {
		c.missedPings++
	}
	missed := c.missedPings
	progress := c.progress
	pid := c.PID
	hung := missed >= s.opts.MaxMissedPings
	if hung {
		c.hung = true
	}
	c.lastPingID++
	pingID := c.lastPingID
	c.mu.Unlock()

	if hung {
		s.declareHung(c, missed, progress, pid)
		return
	}
	if err := c.ch.SendTyped(channel.MsgPing, uint32(c.ForkID), &channel.PingPayload{ID: pingID}); err != nil {
		s.logger.Warn("ping send failed", "session", c.SessionID, "error", err)
	}
}

// declareHung runs the crash sequence for an unresponsive child.
func (s *Supervisor) declareHung(c *Child, missed int, progress uint64, pid int32) {
	metricHangsDetected.Add(1)
	err := &core.HangError{ForkID: c.ForkID, MissedPings: missed, Progress: progress}
	s.logger.Error("child hung", "session", c.SessionID, "missed", missed, "progress", progress)

	// Ask politely for a crash dump first.
	_ = c.ch.SendTyped(channel.MsgCrash, uint32(c.ForkID), nil)
	go func() {
		time.Sleep(s.opts.CrashGrace)
		if pid > 0 {
			if killErr := sys.ForceCrash(int(pid)); killErr != nil {
				s.logger.Error("force crash failed", "pid", pid, "error", killErr)
			}
		}
		s.dropChild(c, err)
		if s.opts.OnChildFatal != nil {
			s.opts.OnChildFatal(c.SessionID, err)
		}
	}()
}
