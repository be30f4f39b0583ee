package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"capsuled/internal/profile"
	"capsuled/pkg/logx"
	"capsuled/pkg/retry"
)

type entry struct {
	profile   profile.Profile
	fetchedAt time.Time
	ttl       time.Duration
}

// Cache is a keyed profile cache with change notification.
// All methods are safe for concurrent use.
type Cache struct {
	log    logx.Logger
	loader profile.Loader
	cfg    Config

	sf singleflight.Group

	mu         sync.Mutex
	entries    map[profile.ID]entry
	refreshing map[profile.ID]struct{}
	subs       map[uint64]chan Event
	subSeq     uint64

	closed    atomic.Bool
	refreshWG sync.WaitGroup
}

func New(log logx.Logger, loader profile.Loader, cfg Config) *Cache {
	return &Cache{
		log:        log,
		loader:     loader,
		cfg:        cfg.withDefaults(),
		entries:    map[profile.ID]entry{},
		refreshing: map[profile.ID]struct{}{},
		subs:       map[uint64]chan Event{},
	}
}

// Get returns the profile for id.
//
// A fresh entry (age within TTL, inclusive) is returned directly. A missing
// entry is fetched through the loader; concurrent callers for the same key
// share one fetch. A stale entry is returned immediately and at most one
// background refresh is started; if the refresh fails the stale value keeps
// being served.
func (c *Cache) Get(ctx context.Context, id profile.ID) (profile.Profile, error) {
	c.mu.Lock()
	now := c.cfg.Now()
	met := c.cfg.Metrics
	if ent, ok := c.entries[id]; ok {
		if now.Sub(ent.fetchedAt) <= ent.ttl {
			c.mu.Unlock()
			met.CacheHit()
			return ent.profile, nil
		}
		stale := ent.profile
		spawn := false
		if _, busy := c.refreshing[id]; !busy && !c.closed.Load() {
			c.refreshing[id] = struct{}{}
			c.refreshWG.Add(1)
			spawn = true
		}
		c.mu.Unlock()
		if spawn {
			go c.refresh(id)
		}
		met.CacheStaleServe()
		return stale, nil
	}
	c.mu.Unlock()

	met.CacheMiss()
	return c.load(ctx, id)
}

// load fetches id through the loader, commits and publishes on success.
// Concurrent calls for one key coalesce into a single loader call.
func (c *Cache) load(ctx context.Context, id profile.ID) (profile.Profile, error) {
	v, err, _ := c.sf.Do(id, func() (any, error) {
		p, err := c.loader.LoadProfile(ctx, id)
		if err != nil {
			return profile.Profile{}, err
		}
		c.commit(id, p, 0)
		return p, nil
	})
	if err != nil {
		return profile.Profile{}, err
	}
	return v.(profile.Profile), nil
}

func (c *Cache) refresh(id profile.ID) {
	defer c.refreshWG.Done()
	defer func() {
		c.mu.Lock()
		delete(c.refreshing, id)
		c.mu.Unlock()
	}()

	c.mu.Lock()
	timeout := c.cfg.RefreshTimeout
	policy := c.cfg.RefreshRetry
	met := c.cfg.Metrics
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Each attempt goes through load, so a concurrent miss for the same key
	// joins the in-flight attempt instead of hitting the loader twice.
	_, err := retry.DoValue(ctx, policy, func(ctx context.Context) (profile.Profile, error) {
		return c.load(ctx, id)
	})
	if err != nil {
		met.CacheRefreshFailure()
		c.log.Warn("profile refresh failed, serving stale",
			logx.String("profile_id", id),
			logx.Err(err))
	}
}

// Set overwrites the entry for id and resets its TTL clock.
// Last write wins for concurrent Sets.
func (c *Cache) Set(ctx context.Context, id profile.ID, p profile.Profile) {
	c.commit(id, p, 0)
}

// SetWithTTL is Set with a per-entry TTL override. ttl <= 0 falls back to
// the cache default.
func (c *Cache) SetWithTTL(ctx context.Context, id profile.ID, p profile.Profile, ttl time.Duration) {
	c.commit(id, p, ttl)
}

// Apply swaps the tuning config during hot reload. Existing entries keep the
// TTL they were committed with; later commits use the new default. The clock
// and metrics sink stay as wired at construction.
func (c *Cache) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	cfg.Now = c.cfg.Now
	cfg.Metrics = c.cfg.Metrics
	c.cfg = cfg
	c.mu.Unlock()
}

// Invalidate removes the entry for id, if present, and publishes an
// invalidation event.
func (c *Cache) Invalidate(ctx context.Context, id profile.ID) {
	c.mu.Lock()
	if _, ok := c.entries[id]; ok {
		delete(c.entries, id)
		c.publishLocked(Event{Type: EventInvalidated, ID: id})
	}
	c.mu.Unlock()
}

// InvalidateAll removes every entry and publishes one invalidation per key.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	for id := range c.entries {
		delete(c.entries, id)
		c.publishLocked(Event{Type: EventInvalidated, ID: id})
	}
	c.mu.Unlock()
}

// Subscribe registers a change listener. Every event committed after the
// call is delivered in commit order; there is no replay. The returned func
// unsubscribes and closes the channel; callers must call it or leak.
func (c *Cache) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	c.subSeq++
	id := c.subSeq
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			// Safe: sends happen under mu, so none can race this close.
			close(ch)
		})
	}
	return ch, unsub
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops spawning background refreshes and waits for in-flight ones.
// Subscribers are not closed; they own their unsubscribe funcs.
func (c *Cache) Close() {
	c.closed.Store(true)
	c.refreshWG.Wait()
}

// commit publishes under the same lock as the map write, so a subscriber
// that observes an update for a key and then calls Get sees that value or
// a newer one, never an older one. ttl <= 0 means the current default.
func (c *Cache) commit(id profile.ID, p profile.Profile, ttl time.Duration) {
	c.mu.Lock()
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	c.entries[id] = entry{profile: p, fetchedAt: c.cfg.Now(), ttl: ttl}
	c.publishLocked(Event{Type: EventUpdated, ID: id, Profile: p})
	c.mu.Unlock()
}

func (c *Cache) publishLocked(e Event) {
	if e.Time.IsZero() {
		e.Time = c.cfg.Now()
	}
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default: // slow subscriber, drop
		}
	}
}
