package delivery

import (
	"fmt"
	"sync"
	"time"

	"capsuled/internal/capsule"
)

// breakerState tracks consecutive send failures for one recipient.
//
// The breaker opens after threshold consecutive failures and stays open for
// cooldown * 2^(trips-1), capped at maxBreakerCooldown. A success or a quiet
// period (no failures for quietAfter) resets the history.
type breakerState struct {
	failures  int
	trips     int
	openUntil time.Time
	lastFail  time.Time
}

const maxBreakerCooldown = 15 * time.Minute

type breakerSet struct {
	mu        sync.Mutex
	states    map[string]*breakerState
	threshold int
	cooldown  time.Duration
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerSet{
		states:    map[string]*breakerState{},
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func breakerKey(r capsule.Recipient) string {
	return fmt.Sprintf("%d:%d", r.ChatID, r.ThreadID)
}

// configure updates thresholds on config reload. Open breakers keep their
// deadlines; only future trips use the new values.
func (b *breakerSet) configure(threshold int, cooldown time.Duration) {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b.mu.Lock()
	b.threshold = threshold
	b.cooldown = cooldown
	b.mu.Unlock()
}

// allow reports whether sends to the recipient are currently permitted.
func (b *breakerSet) allow(r capsule.Recipient, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[breakerKey(r)]
	if !ok {
		return true
	}
	if now.Before(st.openUntil) {
		return false
	}
	return true
}

func (b *breakerSet) onSuccess(r capsule.Recipient) {
	b.mu.Lock()
	delete(b.states, breakerKey(r))
	b.mu.Unlock()
}

// onFailure records a failed send and reports whether the breaker just opened.
func (b *breakerSet) onFailure(r capsule.Recipient, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := breakerKey(r)
	st, ok := b.states[key]
	if !ok {
		st = &breakerState{}
		b.states[key] = st
	}

	// Quiet period: a long stretch without failures forgets old trips so the
	// cooldown does not stay escalated forever.
	quietAfter := 10 * b.cooldown
	if !st.lastFail.IsZero() && now.Sub(st.lastFail) > quietAfter {
		st.failures = 0
		st.trips = 0
	}
	st.lastFail = now

	st.failures++
	if st.failures < b.threshold {
		return false
	}

	st.failures = 0
	st.trips++
	d := b.cooldown
	for i := 1; i < st.trips; i++ {
		d *= 2
		if d >= maxBreakerCooldown {
			d = maxBreakerCooldown
			break
		}
	}
	st.openUntil = now.Add(d)
	return true
}

// openUntil returns the recipient's current open deadline (zero if closed).
func (b *breakerSet) openDeadline(r capsule.Recipient) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[breakerKey(r)]; ok {
		return st.openUntil
	}
	return time.Time{}
}
