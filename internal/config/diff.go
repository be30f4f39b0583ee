package config

import (
	logx "capsuled/pkg/logx"
	"reflect"
	"sort"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Telegram.Enabled != newCfg.Logging.Telegram.Enabled ||
		oldCfg.Logging.Telegram.ThreadID != newCfg.Logging.Telegram.ThreadID ||
		oldCfg.Logging.Telegram.MinLevel != newCfg.Logging.Telegram.MinLevel ||
		oldCfg.Logging.Telegram.RatePerSec != newCfg.Logging.Telegram.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// API (never log token)
	if oldCfg.API.Enabled != newCfg.API.Enabled ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		oldCfg.API.AllowInsecure != newCfg.API.AllowInsecure ||
		strings.TrimSpace(oldCfg.API.ReadTimeout) != strings.TrimSpace(newCfg.API.ReadTimeout) ||
		strings.TrimSpace(oldCfg.API.WriteTimeout) != strings.TrimSpace(newCfg.API.WriteTimeout) ||
		strings.TrimSpace(oldCfg.API.IdleTimeout) != strings.TrimSpace(newCfg.API.IdleTimeout) ||
		oldCfg.API.MaxBodyBytes != newCfg.API.MaxBodyBytes ||
		oldCfg.API.MaxBlobBytes != newCfg.API.MaxBlobBytes ||
		(strings.TrimSpace(oldCfg.API.Token) != "") != (strings.TrimSpace(newCfg.API.Token) != "") {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.allow_insecure", newCfg.API.AllowInsecure),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Capsule sealing rules
	if strings.TrimSpace(oldCfg.Capsules.MinLead) != strings.TrimSpace(newCfg.Capsules.MinLead) {
		changed = append(changed, "capsules")
		attrs = append(attrs,
			logx.String("capsules.min_lead", strings.TrimSpace(newCfg.Capsules.MinLead)),
		)
	}

	// Storage (driver changes need a restart; the app warns on them)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Blob
	if strings.TrimSpace(oldCfg.Blob.Dir) != strings.TrimSpace(newCfg.Blob.Dir) {
		changed = append(changed, "blob")
		attrs = append(attrs,
			logx.Bool("blob.dir_set", strings.TrimSpace(newCfg.Blob.Dir) != ""),
		)
	}

	// Delivery pipeline. Nil means runtime defaults; compare the resolved view.
	defD := &DeliveryConfig{
		Workers:          2,
		QueueSize:        512,
		RatePerSec:       3,
		SendTimeout:      "10s",
		RetryMax:         3,
		RetryBase:        "500ms",
		RetryMaxDelay:    "10s",
		DedupWindow:      "24h",
		DedupMaxEntries:  4096,
		BreakerThreshold: 5,
		BreakerCooldown:  "30s",
	}
	oldD := oldCfg.Delivery
	newD := newCfg.Delivery
	if oldD == nil {
		oldD = defD
	}
	if newD == nil {
		newD = defD
	}
	if !reflect.DeepEqual(*oldD, *newD) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.workers", newD.Workers),
			logx.Int("delivery.queue_size", newD.QueueSize),
			logx.Int("delivery.rate_per_sec", newD.RatePerSec),
			logx.Int("delivery.retry_max", newD.RetryMax),
			logx.String("delivery.dedup_window", strings.TrimSpace(newD.DedupWindow)),
			logx.Int("delivery.breaker_threshold", newD.BreakerThreshold),
		)
	}

	// Schedule
	oldSch := derefSchedule(oldCfg.Schedule)
	newSch := derefSchedule(newCfg.Schedule)
	if oldSch != newSch {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", strings.TrimSpace(newSch.Timezone)),
			logx.String("schedule.sweep_every", strings.TrimSpace(newSch.SweepEvery)),
			logx.Int("schedule.sweep_batch", newSch.SweepBatch),
			logx.String("schedule.arm_window", strings.TrimSpace(newSch.ArmWindow)),
			logx.Int("schedule.requeue_max_runs", newSch.RequeueMaxRuns),
		)
	}

	// Profile cache
	oldC := derefCache(oldCfg.Cache)
	newC := derefCache(newCfg.Cache)
	if oldC != newC {
		changed = append(changed, "profile_cache")
		attrs = append(attrs,
			logx.String("profile_cache.ttl", strings.TrimSpace(newC.TTL)),
			logx.String("profile_cache.refresh_timeout", strings.TrimSpace(newC.RefreshTimeout)),
			logx.Int("profile_cache.retry_max", newC.RetryMax),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefSchedule(s *ScheduleConfig) ScheduleConfig {
	if s == nil {
		return ScheduleConfig{}
	}
	return *s
}

func derefCache(c *CacheConfig) CacheConfig {
	if c == nil {
		return CacheConfig{}
	}
	return *c
}
