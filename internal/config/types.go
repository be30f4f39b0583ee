package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	API      APIConfig      `json:"api"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Capsules holds sealing rules applied before a capsule is accepted.
	Capsules CapsulesConfig `json:"capsules,omitempty"`

	// Storage is required: capsules must survive restarts.
	Storage StorageConfig `json:"storage"`
	Blob    BlobConfig    `json:"blob,omitempty"`

	// Optional tuning sections; nil means runtime defaults.
	Delivery *DeliveryConfig `json:"delivery,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Cache    *CacheConfig    `json:"profile_cache,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may use /status and other operator commands.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is the chat id (as string) that receives shipped log lines.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// APIConfig controls the JSON REST server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// MaxBodyBytes caps JSON request bodies; default 1 MiB.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
	// MaxBlobBytes caps attachment uploads; default 32 MiB.
	MaxBlobBytes int64 `json:"max_blob_bytes,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// CapsulesConfig carries sealing rules.
type CapsulesConfig struct {
	// MinLead is the minimum distance between "now" and a capsule's unlock
	// time at sealing (Go duration string). Default "1m".
	MinLead string `json:"min_lead,omitempty"`
}

// StorageConfig selects and configures the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./capsuled.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BlobConfig configures the attachment store.
type BlobConfig struct {
	Dir string `json:"dir,omitempty"` // default: "<storage dir>/blobs"
}

// DeliveryConfig controls the delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 512
//   - rate_per_sec: 3 (burst equals the rate)
//   - send_timeout: "10s"
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - dedup_window: "24h"
//   - dedup_max_entries: 4096
//   - breaker_threshold: 5
//   - breaker_cooldown: "30s"
type DeliveryConfig struct {
	Workers          int    `json:"workers,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	RatePerSec       int    `json:"rate_per_sec,omitempty"`
	SendTimeout      string `json:"send_timeout,omitempty"`
	RetryMax         int    `json:"retry_max,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
	DedupWindow      string `json:"dedup_window,omitempty"`
	DedupMaxEntries  int    `json:"dedup_max_entries,omitempty"`
	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `json:"breaker_cooldown,omitempty"`
}

// ScheduleConfig controls unlock timers and the due sweep.
type ScheduleConfig struct {
	// Timezone is the IANA zone for cron expressions; empty means local.
	Timezone string `json:"timezone,omitempty"`
	// SweepEvery is the safety-net scan interval for due capsules.
	// Default "30s".
	SweepEvery string `json:"sweep_every,omitempty"`
	// SweepBatch caps the capsules fetched per sweep. Default 100.
	SweepBatch int `json:"sweep_batch,omitempty"`
	// ArmWindow bounds how far ahead one-shot timers are armed; capsules
	// further out are picked up by later rebuilds. Default "48h".
	ArmWindow string `json:"arm_window,omitempty"`
	// RequeueMaxRuns re-queues failed capsules with fewer than this many
	// delivery runs during hourly maintenance. 0 (the default) disables
	// re-queueing; failed capsules then stay failed until an operator acts.
	RequeueMaxRuns int `json:"requeue_max_runs,omitempty"`
}

// CacheConfig tunes the profile cache.
type CacheConfig struct {
	TTL            string `json:"ttl,omitempty"`             // default "5m"
	RefreshTimeout string `json:"refresh_timeout,omitempty"` // default "10s"
	RetryMax       int    `json:"retry_max,omitempty"`       // default 3
}
