package cache

import (
	"time"

	"capsuled/internal/profile"
	"capsuled/pkg/retry"
)

// DefaultTTL is the entry lifetime used when Config.TTL is unset.
const DefaultTTL = 5 * time.Minute

type Config struct {
	// TTL is the default entry lifetime. Entries older than their TTL are
	// served stale while a refresh runs.
	TTL time.Duration

	// RefreshTimeout bounds one background refresh including retries.
	// Default 10s.
	RefreshTimeout time.Duration

	// RefreshRetry drives background refresh attempts. Zero value means
	// 3 attempts starting at 200ms.
	RefreshRetry retry.Policy

	// Now is the clock; tests inject a fake one.
	Now func() time.Time

	// Metrics receives outcome counters. nil disables them.
	Metrics Metrics
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	if c.RefreshRetry.MaxAttempts <= 0 {
		c.RefreshRetry = retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
		}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// Metrics counts cache outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	CacheHit()
	CacheMiss()
	CacheStaleServe()
	CacheRefreshFailure()
}

type nopMetrics struct{}

func (nopMetrics) CacheHit()            {}
func (nopMetrics) CacheMiss()           {}
func (nopMetrics) CacheStaleServe()     {}
func (nopMetrics) CacheRefreshFailure() {}

type EventType string

const (
	EventUpdated     EventType = "updated"
	EventInvalidated EventType = "invalidated"
)

// Event describes one committed cache change.
type Event struct {
	Type    EventType
	ID      profile.ID
	Profile profile.Profile // zero for invalidations
	Time    time.Time
}
