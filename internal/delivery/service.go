package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"capsuled/internal/capsule"
	"capsuled/internal/eventbus"
	rtsup "capsuled/internal/runtime/supervisor"
	"capsuled/internal/storage"
	kit "capsuled/internal/transport"
	logx "capsuled/pkg/logx"
	"capsuled/pkg/retry"
)

var (
	ErrDisabled  = errors.New("delivery disabled")
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

type job struct {
	c capsule.Capsule
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// HistoryItem is one recent pipeline outcome, kept for /status.
type HistoryItem struct {
	At        time.Time
	CapsuleID string
	Outcome   string
	Error     string
}

// Service implements the async delivery pipeline:
// queue + worker pool + rate limit + retry + dedup + circuit breaker.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store
	metrics Metrics

	cfg      Config
	limiter  *rate.Limiter
	breakers *breakerSet

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Persistent dedup writes (best-effort)
	persistCh chan dedupWrite

	// In-memory history (for /status)
	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store, metrics Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	s := &Service{
		adapter:  adapter,
		log:      log,
		bus:      bus,
		store:    store,
		metrics:  metrics,
		dedup:    map[string]time.Time{},
		breakers: newBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the pipeline's internal supervisor (nil if not started).
// This is used for operational visibility (e.g. /status).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// QueueDepth reports the number of capsules waiting for a worker.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return 0
	}
	return len(q)
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 4096
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.breakers.configure(cfg.BreakerThreshold, cfg.BreakerCooldown)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if s.adapter == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	// Dedup survives restarts through the store.
	if s.store != nil && s.cfg.DedupWindow > 0 {
		s.persistCh = make(chan dedupWrite, 1024)
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "delivery"))),
		// Delivery failures are per-capsule; they must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			// Clean exits happen on shutdown.
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("delivery persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q, idx)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("delivery worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	// If not running, nothing to do.
	if q == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	// Block new enqueues.
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.sendWG.Wait()
		if pch != nil {
			func() {
				defer func() { _ = recover() }()
				close(pch)
			}()
		}
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// Force-stop internal loops. Capsules aborted mid-send stay pending
		// and are re-armed on the next start.
		if sup != nil {
			sup.Cancel()
		}
		return
	}
}

// Enqueue hands a capsule to the pipeline. It never blocks: a full queue
// returns ErrQueueFull and the capsule stays pending for the next sweep.
func (s *Service) Enqueue(ctx context.Context, c capsule.Capsule) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if c.Recipient.Zero() {
		return capsule.Validationf("capsule %s has no recipient", c.ID)
	}

	s.mu.Lock()
	if s.adapter == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	// Capture current config snapshot for dedup computation.
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	st := s.store
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	now := time.Now()

	// Open breaker: drop now, the sweep retries once the cooldown passes.
	if !s.breakers.allow(c.Recipient, now) {
		s.publish(EventDropped, c, "", 0, "recipient breaker open")
		s.metrics.DeliveryOutcome("dropped")
		return nil
	}

	// Build dedup key and apply suppression.
	key := dedupKey(c)
	if dedupWindow > 0 && key != "" {
		if !s.dedupAllow(ctx, key, now, dedupWindow, dedupMax, st) {
			s.publish(EventDeduped, c, key, 0, "")
			s.metrics.DeliveryOutcome("deduped")
			return nil
		}
	}

	s.publish(EventQueued, c, key, 0, "")

	select {
	case q <- job{c: c, dedupKey: key}:
		return nil
	default:
		// Undo the enqueue-time dedup mark so the sweep can retry.
		s.dedupClear(key)
		s.publish(EventDropped, c, key, 0, ErrQueueFull.Error())
		s.metrics.DeliveryOutcome("dropped")
		return ErrQueueFull
	}
}

// Snapshot returns recent pipeline outcomes, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(eventType string, c capsule.Capsule, key string, attempts int, errText string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: eventType, Time: now, Data: DeliveryEvent{
		CapsuleID: c.ID,
		OwnerID:   c.OwnerID,
		ChatID:    c.Recipient.ChatID,
		ThreadID:  c.Recipient.ThreadID,
		Key:       key,
		Attempts:  attempts,
		At:        now,
		Error:     errText,
	}})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job, idx int) {
	_ = idx // kept for future per-worker metrics
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(runCtx context.Context, j job) {
	// config snapshot for this send
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	log := s.log
	pch := s.persistCh
	s.mu.Unlock()

	if ad == nil {
		return
	}

	c := j.c
	target := kit.ChatTarget{ChatID: c.Recipient.ChatID, ThreadID: c.Recipient.ThreadID}
	text := renderText(c, time.Now())

	pol := retry.Policy{
		MaxAttempts: 1 + cfg.RetryMax,
		BaseDelay:   cfg.RetryBase,
		Multiplier:  2,
		MaxDelay:    cfg.RetryMaxDelay,
		Jitter:      0.3,
		RetryIf:     capsule.Retryable,
	}

	attempts := 0
	started := time.Now()
	err := retry.Do(runCtx, pol, func(ctx context.Context) error {
		attempts++
		s.metrics.DeliveryAttempt()

		// Rate limit (honor cancellation).
		if lim != nil {
			if werr := lim.Wait(ctx); werr != nil {
				return retry.Permanent(werr)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, serr := ad.SendText(callCtx, target, text, nil)
		cancel()
		if serr != nil && ctx.Err() == nil && errors.Is(serr, context.DeadlineExceeded) {
			// The per-call deadline fired while the run context is alive:
			// a slow transport, not a shutdown. Worth another attempt.
			return capsule.Transientf("send timed out after %s: %v", cfg.SendTimeout, serr)
		}
		return serr
	})
	took := time.Since(started)
	s.metrics.DeliverySendSeconds(took)
	now := time.Now()

	switch {
	case err == nil:
		// Persist the suppression before flipping status: if the status write
		// is lost, the next sweep's enqueue is deduped instead of re-sent.
		if j.dedupKey != "" && cfg.DedupWindow > 0 {
			s.dedupCommit(j.dedupKey, now.Add(cfg.DedupWindow), pch)
		}
		s.breakers.onSuccess(c.Recipient)
		s.markDelivered(c, now, attempts, took)
		s.publish(EventDelivered, c, j.dedupKey, attempts, "")
		s.metrics.DeliveryOutcome("delivered")
		s.appendHistory(HistoryItem{At: now, CapsuleID: c.ID, Outcome: "delivered"})
		log.Debug("capsule delivered",
			logx.String("capsule_id", c.ID),
			logx.Int64("chat_id", c.Recipient.ChatID),
			logx.Int("attempts", attempts),
			logx.Duration("took", took))

	case runCtx.Err() != nil:
		// Shutdown abort: the capsule stays pending and is re-armed on the
		// next start. The enqueue-time dedup mark must not suppress that.
		s.dedupClear(j.dedupKey)
		log.Debug("delivery aborted by shutdown", logx.String("capsule_id", c.ID))

	default:
		s.dedupClear(j.dedupKey)
		s.markFailed(c, now, attempts, took, err)
		// Record the breaker before publishing so a subscriber observing the
		// failure sees the breaker already tripped.
		if opened := s.breakers.onFailure(c.Recipient, now); opened {
			log.Warn("recipient breaker opened",
				logx.Int64("chat_id", c.Recipient.ChatID),
				logx.Int("thread_id", c.Recipient.ThreadID),
				logx.Time("until", s.breakers.openDeadline(c.Recipient)))
		}
		s.publish(EventFailed, c, j.dedupKey, attempts, err.Error())
		s.metrics.DeliveryOutcome("failed")
		s.appendHistory(HistoryItem{At: now, CapsuleID: c.ID, Outcome: "failed", Error: err.Error()})
		log.Warn("capsule delivery failed",
			logx.String("capsule_id", c.ID),
			logx.Int64("chat_id", c.Recipient.ChatID),
			logx.Int("attempts", attempts),
			logx.Err(err))
	}
}

// markDelivered records the outcome. The send already happened, so the write
// uses its own context and proceeds even when the app is shutting down.
func (s *Service) markDelivered(c capsule.Capsule, at time.Time, attempts int, took time.Duration) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MarkDelivered(ctx, c.ID, at); err != nil {
		s.log.Warn("mark delivered failed", logx.String("capsule_id", c.ID), logx.Err(err))
	}
	_ = s.store.AppendAudit(ctx, storage.AuditEntry{
		At:        at,
		CapsuleID: c.ID,
		OwnerID:   c.OwnerID,
		Action:    "delivered",
		ChatID:    c.Recipient.ChatID,
		ThreadID:  c.Recipient.ThreadID,
		Attempts:  attempts,
		TookMS:    took.Milliseconds(),
	})
}

func (s *Service) markFailed(c capsule.Capsule, at time.Time, attempts int, took time.Duration, cause error) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MarkFailed(ctx, c.ID, cause.Error()); err != nil {
		s.log.Warn("mark failed failed", logx.String("capsule_id", c.ID), logx.Err(err))
	}
	_ = s.store.AppendAudit(ctx, storage.AuditEntry{
		At:        at,
		CapsuleID: c.ID,
		OwnerID:   c.OwnerID,
		Action:    "failed",
		ChatID:    c.Recipient.ChatID,
		ThreadID:  c.Recipient.ThreadID,
		Attempts:  attempts,
		TookMS:    took.Milliseconds(),
		Error:     cause.Error(),
	})
}

func dedupKey(c capsule.Capsule) string {
	// Without an id there is nothing stable to dedup on.
	if c.ID == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(c.ID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d:%d", c.Recipient.ChatID, c.Recipient.ThreadID)))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow checks the in-memory and persisted suppression windows and, when
// the key is clear, marks it in memory. The persisted mark is written only
// after a successful send (dedupCommit).
func (s *Service) dedupAllow(ctx context.Context, key string, now time.Time, window time.Duration, max int, st storage.Store) bool {
	// 1) In-memory check.
	s.dmu.Lock()
	if s.dedup == nil {
		s.dedup = map[string]time.Time{}
	}
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	// 3) Allow and set new window.
	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until

	// Prune expired and cap.
	if len(s.dedup) > 0 {
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
	}
	if max > 0 && len(s.dedup) > max {
		// Remove entries with earliest expiry until within cap.
		for len(s.dedup) > max {
			var (
				minKey string
				minT   time.Time
				set    bool
			)
			for k, u := range s.dedup {
				if !set || u.Before(minT) {
					minKey, minT, set = k, u, true
				}
			}
			if minKey == "" {
				break
			}
			delete(s.dedup, minKey)
		}
	}
	s.dmu.Unlock()
	return true
}

// dedupCommit persists the suppression after a successful send.
func (s *Service) dedupCommit(key string, until time.Time, pch chan dedupWrite) {
	s.dmu.Lock()
	s.dedup[key] = until
	s.dmu.Unlock()
	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
}

func (s *Service) dedupClear(key string) {
	if key == "" {
		return
	}
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}
