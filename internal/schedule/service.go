package schedule

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"capsuled/internal/capsule"
	"capsuled/internal/eventbus"
	"capsuled/internal/storage"
	logx "capsuled/pkg/logx"
)

func New(cfg Config, store storage.Store, pipe Enqueuer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		store: store,
		pipe:  pipe,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:      map[capsule.ID]*time.Timer{},
		armAt:       map[capsule.ID]time.Time{},
		ver:         map[capsule.ID]uint64{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Apply swaps the tuning config. A timezone or sweep interval change
// restarts cron; armed timers are untouched.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldSweep := s.cfg.SweepEvery
	s.cfg = cfg

	if s.c == nil || (oldTZ == strings.TrimSpace(cfg.Timezone) && oldSweep == cfg.SweepEvery) {
		s.mu.Unlock()
		return
	}

	// Take ownership of the old cron and wait for it outside the lock:
	// running jobs grab s.mu first, so waiting under it would deadlock.
	old := s.c
	s.c = nil
	s.sweepEntry = 0
	gen := s.cronGen
	s.mu.Unlock()

	<-old.Stop().Done()

	s.mu.Lock()
	if s.cronGen != gen || s.c != nil {
		// A concurrent Start/Stop took over the lifecycle meanwhile.
		s.mu.Unlock()
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})))
	s.registerJobsLocked()
	s.c.Start()
	sweepEvery := s.cfg.SweepEvery
	s.mu.Unlock()

	s.log.Info("service restarted",
		logx.String("tz", loc.String()),
		logx.Duration("sweep_every", sweepEvery))
}

// Start brings up cron and arms timers for pending capsules unlocking inside
// the arm window. Later calls are no-ops.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.cronGen++
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})))
	s.registerJobsLocked()
	s.c.Start()
	sweepEvery := s.cfg.SweepEvery
	s.mu.Unlock()

	armed := s.rebuild(ctx)
	s.log.Info("service started",
		logx.String("tz", loc.String()),
		logx.Duration("sweep_every", sweepEvery),
		logx.Int("armed", armed))
}

// Stop halts cron and stops all armed timers. Pending capsules re-arm on the
// next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.sweepEntry = 0
	s.cronGen++
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}

	s.tmu.Lock()
	n := len(s.timers)
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[capsule.ID]*time.Timer{}
	s.armAt = map[capsule.ID]time.Time{}
	s.ver = map[capsule.ID]uint64{}
	s.tmu.Unlock()

	s.log.Info("service stopped",
		logx.Int("timers_stopped", n),
		logx.Duration("took", time.Since(start)))
}

// registerJobsLocked adds the sweep and maintenance entries. Call with s.mu
// held and s.c set.
func (s *Service) registerJobsLocked() {
	clog := cronLogger{s.log}

	sweepSpec := "@every " + s.cfg.SweepEvery.String()
	id, err := s.c.AddJob(sweepSpec,
		cron.NewChain(cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(s.sweepDue)))
	if err != nil {
		s.log.Error("sweep register failed", logx.String("spec", sweepSpec), logx.Err(err))
	} else {
		s.sweepEntry = id
	}

	maintSpec := "@every " + maintainEvery.String()
	if _, err := s.c.AddJob(maintSpec,
		cron.NewChain(cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(s.maintain))); err != nil {
		s.log.Error("maintenance register failed", logx.String("spec", maintSpec), logx.Err(err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// rebuild arms timers for pending capsules unlocking inside the arm window.
// DueCapsules with the horizon pushed forward doubles as the "pending soon"
// query.
func (s *Service) rebuild(ctx context.Context) int {
	s.mu.Lock()
	win := s.cfg.ArmWindow
	s.mu.Unlock()

	list, err := s.store.DueCapsules(ctx, time.Now().Add(win), 0)
	if err != nil {
		// The sweep still picks up anything due.
		s.log.Warn("timer rebuild failed", logx.Err(err))
		return 0
	}
	armed := 0
	for _, c := range list {
		if s.Arm(c) {
			armed++
		}
	}
	return armed
}

// cronLogger adapts logx to cron's logger so chain wrappers (skip, recover)
// report through the service log.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	if len(kv) == 0 {
		l.log.Debug("cron: " + msg)
		return
	}
	l.log.Debug("cron: "+msg, logx.Any("detail", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	if len(kv) == 0 {
		l.log.Warn("cron: "+msg, logx.Err(err))
		return
	}
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("detail", kv))
}
