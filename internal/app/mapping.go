package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"capsuled/internal/api"
	"capsuled/internal/blob"
	"capsuled/internal/config"
	"capsuled/internal/delivery"
	"capsuled/internal/observability/pprof"
	profcache "capsuled/internal/profile/cache"
	"capsuled/internal/schedule"
	"capsuled/internal/storage"
	"capsuled/pkg/retry"
)

// mapStorageConfig translates the storage section. Storage is mandatory:
// capsules must survive restarts, so there is no "none" driver.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("storage config missing")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

// mapBlobConfig resolves the attachment root. When blob.dir is unset,
// attachments live next to the storage path under "blobs".
func mapBlobConfig(cfg *Config, sc storage.Config) blob.Config {
	dir := strings.TrimSpace(cfg.Blob.Dir)
	if dir == "" {
		dir = filepath.Join(filepath.Dir(sc.Path), "blobs")
	}
	return blob.Config{Dir: dir}
}

func mapDeliveryConfig(cfg *Config) (delivery.Config, error) {
	d := cfg.Delivery
	if d == nil {
		// Run the zero section through the same mapping so the documented
		// defaults (retry_max 3, dedup_window 24h) apply.
		d = &config.DeliveryConfig{}
	}

	sendTimeout, err := parseDurationField("delivery.send_timeout", d.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	retryBase, err := parseDurationField("delivery.retry_base", d.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	retryMaxDelay, err := parseDurationField("delivery.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	// dedup_window: omitted means 24h; an explicit "0s" disables dedup.
	dedupWindow := 24 * time.Hour
	if strings.TrimSpace(d.DedupWindow) != "" {
		dedupWindow, err = parseDurationField("delivery.dedup_window", d.DedupWindow)
		if err != nil {
			return delivery.Config{}, err
		}
	}
	breakerCooldown, err := parseDurationField("delivery.breaker_cooldown", d.BreakerCooldown)
	if err != nil {
		return delivery.Config{}, err
	}

	// retry_max: omitted means the default of 3; negative disables retries.
	retryMax := d.RetryMax
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 3
	}

	return delivery.Config{
		Workers:          d.Workers,
		QueueSize:        d.QueueSize,
		RatePerSec:       d.RatePerSec,
		SendTimeout:      sendTimeout,
		RetryMax:         retryMax,
		RetryBase:        retryBase,
		RetryMaxDelay:    retryMaxDelay,
		DedupWindow:      dedupWindow,
		DedupMaxEntries:  d.DedupMaxEntries,
		BreakerThreshold: d.BreakerThreshold,
		BreakerCooldown:  breakerCooldown,
	}, nil
}

func mapScheduleConfig(cfg *Config) (schedule.Config, error) {
	s := cfg.Schedule
	if s == nil {
		return schedule.Config{}, nil
	}

	sweepEvery, err := parseDurationField("schedule.sweep_every", s.SweepEvery)
	if err != nil {
		return schedule.Config{}, err
	}
	armWindow, err := parseDurationField("schedule.arm_window", s.ArmWindow)
	if err != nil {
		return schedule.Config{}, err
	}
	if s.SweepBatch < 0 {
		return schedule.Config{}, fmt.Errorf("schedule.sweep_batch must be >= 0")
	}
	if s.RequeueMaxRuns < 0 {
		return schedule.Config{}, fmt.Errorf("schedule.requeue_max_runs must be >= 0")
	}

	return schedule.Config{
		Timezone:       strings.TrimSpace(s.Timezone),
		SweepEvery:     sweepEvery,
		SweepBatch:     s.SweepBatch,
		ArmWindow:      armWindow,
		RequeueMaxRuns: s.RequeueMaxRuns,
	}, nil
}

func mapCacheConfig(cfg *Config) (profcache.Config, error) {
	c := cfg.Cache
	if c == nil {
		return profcache.Config{}, nil
	}

	ttl, err := parseDurationField("profile_cache.ttl", c.TTL)
	if err != nil {
		return profcache.Config{}, err
	}
	refreshTimeout, err := parseDurationField("profile_cache.refresh_timeout", c.RefreshTimeout)
	if err != nil {
		return profcache.Config{}, err
	}
	if c.RetryMax < 0 {
		return profcache.Config{}, fmt.Errorf("profile_cache.retry_max must be >= 0")
	}

	out := profcache.Config{TTL: ttl, RefreshTimeout: refreshTimeout}
	if c.RetryMax > 0 {
		out.RefreshRetry = retry.Policy{
			MaxAttempts: c.RetryMax,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
		}
	}
	return out, nil
}

func mapAPIConfig(cfg *Config) (api.Config, error) {
	readTimeout, err := parseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	writeTimeout, err := parseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idleTimeout, err := parseDurationField("api.idle_timeout", cfg.API.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	if cfg.API.MaxBodyBytes < 0 {
		return api.Config{}, fmt.Errorf("api.max_body_bytes must be >= 0")
	}
	if cfg.API.MaxBlobBytes < 0 {
		return api.Config{}, fmt.Errorf("api.max_blob_bytes must be >= 0")
	}

	minLead, err := parseDurationOrDefault("capsules.min_lead", cfg.Capsules.MinLead, time.Minute)
	if err != nil {
		return api.Config{}, err
	}

	return api.Config{
		Enabled:       cfg.API.Enabled,
		Addr:          cfg.API.Addr,
		Token:         cfg.API.Token,
		AllowInsecure: cfg.API.AllowInsecure,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		IdleTimeout:   idleTimeout,
		MaxBodyBytes:  cfg.API.MaxBodyBytes,
		MaxBlobBytes:  cfg.API.MaxBlobBytes,
		MinLead:       minLead,
	}, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	readTimeout, err := parseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	writeTimeout, err := parseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idleTimeout, err := parseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}

	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Addr:                 cfg.Pprof.Addr,
		Prefix:               cfg.Pprof.Prefix,
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		MemProfileRate:       cfg.Pprof.MemProfileRate,
	}, nil
}
