package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"capsuled/internal/capsule"
	"capsuled/internal/eventbus"
	"capsuled/internal/storage"
	logx "capsuled/pkg/logx"
)

const (
	defaultSweepEvery = 30 * time.Second
	defaultSweepBatch = 100
	defaultArmWindow  = 48 * time.Hour

	// maintainEvery is the cadence of the maintenance job (dedup prune and
	// the optional failed-capsule re-queue).
	maintainEvery = time.Hour
)

// Config controls unlock timers and the safety-net sweep.
type Config struct {
	// Timezone is the IANA zone for cron schedules; empty means Local.
	Timezone string
	// SweepEvery is the interval of the due-capsule scan. Default 30s.
	SweepEvery time.Duration
	// SweepBatch caps capsules fetched per sweep. Default 100.
	SweepBatch int
	// ArmWindow bounds how far ahead timers are armed; capsules unlocking
	// beyond it are armed by a later rebuild or caught by the sweep once
	// due. Default 48h.
	ArmWindow time.Duration
	// RequeueMaxRuns flips failed capsules with fewer than this many
	// delivery runs back to pending during maintenance. 0 disables it.
	RequeueMaxRuns int
}

func (c Config) withDefaults() Config {
	if c.SweepEvery <= 0 {
		c.SweepEvery = defaultSweepEvery
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = defaultSweepBatch
	}
	if c.ArmWindow <= 0 {
		c.ArmWindow = defaultArmWindow
	}
	if c.RequeueMaxRuns < 0 {
		c.RequeueMaxRuns = 0
	}
	return c
}

// Enqueuer hands due capsules to the delivery pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, c capsule.Capsule) error
}

// EventRequeued is published when maintenance flips failed capsules back to
// pending. Data is a RequeueEvent.
const EventRequeued = "capsule.requeued"

type RequeueEvent struct {
	Count int `json:"count"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	pipe  Enqueuer

	parser     cron.Parser
	c          *cron.Cron
	sweepEntry cron.EntryID
	// cronGen changes on every Start/Stop so Apply can detect a concurrent
	// lifecycle change while it waits for the old cron outside the lock.
	cronGen uint64

	// One-shot unlock timers keyed by capsule ID. Versions make callbacks
	// from replaced timers no-ops.
	tmu    sync.Mutex
	timers map[capsule.ID]*time.Timer
	armAt  map[capsule.ID]time.Time
	ver    map[capsule.ID]uint64

	// Enqueue warn throttling keyed by trigger name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	sweeps    atomic.Uint64
	lastSweep atomic.Int64 // unix ms of the last completed sweep
}

// Snapshot is a point-in-time view for status surfaces.
type Snapshot struct {
	Running     bool
	Timezone    string
	SweepEvery  time.Duration
	SweepBatch  int
	ArmWindow   time.Duration
	ArmedTimers int
	NextUnlock  time.Time // earliest armed unlock; zero when nothing is armed
	NextSweep   time.Time
	Sweeps      uint64
	LastSweep   time.Time
}
