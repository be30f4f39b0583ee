package schedule

import (
	"context"
	"errors"
	"time"

	"capsuled/internal/capsule"
	logx "capsuled/pkg/logx"
)

// fireTimeout bounds the store read and pipeline handoff of a firing timer.
const fireTimeout = 10 * time.Second

// earlySlack tolerates wall-clock drift between arming and firing before a
// fire counts as early and the capsule is re-armed instead of enqueued.
const earlySlack = time.Second

// Arm schedules a one-shot timer at the capsule's unlock time, replacing any
// existing timer for the same ID. Returns false when the capsule cannot be
// armed: no ID, not pending, or unlocking beyond the arm window.
func (s *Service) Arm(c capsule.Capsule) bool {
	if c.ID == "" || c.UnlockAt.IsZero() || c.Status != capsule.StatusPending {
		return false
	}

	s.mu.Lock()
	win := s.cfg.ArmWindow
	s.mu.Unlock()

	delay := time.Until(c.UnlockAt)
	if delay > win {
		return false
	}
	if delay < 0 {
		delay = 0
	}

	id := c.ID
	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
	}
	ver := s.ver[id] + 1
	s.ver[id] = ver
	s.armAt[id] = c.UnlockAt
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, ver) })
	s.tmu.Unlock()

	s.log.Debug("timer armed", logx.String("capsule_id", id), logx.Duration("in", delay))
	return true
}

// Disarm stops and forgets the capsule's timer. In-flight callbacks become
// no-ops. Returns false when no timer was armed for the ID.
func (s *Service) Disarm(id capsule.ID) bool {
	s.tmu.Lock()
	t, ok := s.timers[id]
	if !ok {
		s.tmu.Unlock()
		return false
	}
	_ = t.Stop()
	delete(s.timers, id)
	delete(s.armAt, id)
	delete(s.ver, id)
	s.tmu.Unlock()

	s.log.Debug("timer disarmed", logx.String("capsule_id", id))
	return true
}

// fire runs when an unlock timer goes off. A stale version means the timer
// was replaced or disarmed after this callback was scheduled.
func (s *Service) fire(id capsule.ID, ver uint64) {
	s.tmu.Lock()
	if s.ver[id] != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, id)
	delete(s.armAt, id)
	delete(s.ver, id)
	s.tmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	// Re-read the capsule: it may have been cancelled or already swept while
	// the timer was pending.
	c, err := s.store.GetCapsule(ctx, id)
	if err != nil {
		if errors.Is(err, capsule.ErrNotFound) {
			s.log.Debug("timer fired for missing capsule", logx.String("capsule_id", id))
			return
		}
		// Leave it to the sweep.
		s.log.Warn("timer fetch failed", logx.String("capsule_id", id), logx.Err(err))
		return
	}
	if c.Status != capsule.StatusPending {
		s.log.Debug("timer fired for settled capsule",
			logx.String("capsule_id", id),
			logx.String("status", string(c.Status)))
		return
	}
	if time.Until(c.UnlockAt) > earlySlack {
		// The wall clock jumped back under the timer; chase the real time.
		s.Arm(c)
		return
	}
	if err := s.pipe.Enqueue(ctx, c); err != nil {
		s.reportEnqueueError("timer", err)
	}
}
