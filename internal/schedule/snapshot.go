package schedule

import (
	"strings"
	"time"
)

// Snapshot reports scheduler state for status surfaces.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	entry := s.sweepEntry
	loc := s.loc
	s.mu.Unlock()

	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" && loc != nil {
		tz = loc.String()
	}

	snap := Snapshot{
		Running:    c != nil,
		Timezone:   tz,
		SweepEvery: cfg.SweepEvery,
		SweepBatch: cfg.SweepBatch,
		ArmWindow:  cfg.ArmWindow,
		Sweeps:     s.sweeps.Load(),
	}
	if ms := s.lastSweep.Load(); ms != 0 {
		snap.LastSweep = time.UnixMilli(ms)
	}
	if c != nil && entry != 0 {
		snap.NextSweep = c.Entry(entry).Next
	}

	s.tmu.Lock()
	snap.ArmedTimers = len(s.timers)
	for _, at := range s.armAt {
		if snap.NextUnlock.IsZero() || at.Before(snap.NextUnlock) {
			snap.NextUnlock = at
		}
	}
	s.tmu.Unlock()

	return snap
}
