package schedule

import (
	"context"
	"errors"
	"time"

	"capsuled/internal/delivery"
	"capsuled/internal/eventbus"
	logx "capsuled/pkg/logx"
)

// sweepTimeout bounds one sweep or maintenance pass against a slow store.
const sweepTimeout = 20 * time.Second

// sweepDue scans for pending capsules whose unlock time has passed and
// funnels them into the pipeline. Timers normally win this race; the sweep
// exists for restarts, clock jumps and queue-full retries. Repeats are
// suppressed by the pipeline's dedup, not here.
func (s *Service) sweepDue() {
	start := time.Now()

	s.mu.Lock()
	batch := s.cfg.SweepBatch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	due, err := s.store.DueCapsules(ctx, time.Now(), batch)
	if err != nil {
		s.log.Warn("due sweep failed", logx.Err(err))
		return
	}

	enq := 0
	for _, c := range due {
		err := s.pipe.Enqueue(ctx, c)
		if err == nil {
			enq++
			continue
		}
		s.reportEnqueueError("sweep", err)
		// Capacity and lifecycle errors hit every capsule alike; retry the
		// remainder on the next pass instead of hammering a full queue.
		if errors.Is(err, delivery.ErrQueueFull) || errors.Is(err, delivery.ErrStopped) ||
			errors.Is(err, delivery.ErrDisabled) || ctx.Err() != nil {
			break
		}
	}

	s.sweeps.Add(1)
	s.lastSweep.Store(time.Now().UnixMilli())
	if len(due) > 0 {
		s.log.Debug("due sweep",
			logx.Int("due", len(due)),
			logx.Int("enqueued", enq),
			logx.Duration("took", time.Since(start)))
	}
}

// maintain prunes expired dedup suppressions and, when enabled, re-queues
// failed capsules for another delivery run.
func (s *Service) maintain() {
	s.mu.Lock()
	maxRuns := s.cfg.RequeueMaxRuns
	batch := s.cfg.SweepBatch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if n, err := s.store.PruneDedup(ctx, time.Now()); err != nil {
		s.log.Warn("dedup prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Debug("dedup pruned", logx.Int("dropped", n))
	}

	if maxRuns <= 0 {
		return
	}
	n, err := s.store.RequeueFailed(ctx, maxRuns, batch)
	if err != nil {
		s.log.Warn("failed-capsule requeue failed", logx.Err(err))
		return
	}
	if n == 0 {
		return
	}
	// Re-queued capsules are overdue by definition; the next sweep delivers.
	s.log.Info("failed capsules re-queued", logx.Int("count", n), logx.Int("max_runs", maxRuns))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventRequeued, Data: RequeueEvent{Count: n}})
	}
}

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a pipeline handoff failure, at most once per
// trigger per throttle window. A queue-full sweep would otherwise write one
// line per due capsule.
func (s *Service) reportEnqueueError(trigger string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	if s.lastEnqWarn == nil {
		s.lastEnqWarn = make(map[string]time.Time)
	}
	last := s.lastEnqWarn[trigger]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[trigger] = now
	s.enqMu.Unlock()

	s.log.Warn("enqueue failed", logx.String("trigger", trigger), logx.Err(err))
}
