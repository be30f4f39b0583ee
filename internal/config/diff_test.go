package config

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func baseConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{Token: "tok", OwnerUserIDs: []int64{1}, PollTimeout: "10s"},
		Logging:  LoggingConfig{Level: "info", Console: true},
		API:      APIConfig{Enabled: true, Addr: "127.0.0.1:8080"},
		Storage:  StorageConfig{Driver: "sqlite", Path: "/var/lib/capsuled/db"},
		Capsules: CapsulesConfig{MinLead: "1m"},
	}
}

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		changed []string
	}{
		{
			name:    "no change",
			mutate:  func(c *Config) {},
			changed: []string{},
		},
		{
			name:    "telegram poll timeout",
			mutate:  func(c *Config) { c.Telegram.PollTimeout = "30s" },
			changed: []string{"telegram"},
		},
		{
			name:    "logging level",
			mutate:  func(c *Config) { c.Logging.Level = "debug" },
			changed: []string{"logging"},
		},
		{
			name:    "api addr",
			mutate:  func(c *Config) { c.API.Addr = "0.0.0.0:9000" },
			changed: []string{"api"},
		},
		{
			name:    "capsule min lead",
			mutate:  func(c *Config) { c.Capsules.MinLead = "5m" },
			changed: []string{"capsules"},
		},
		{
			name:    "storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "file" },
			changed: []string{"storage"},
		},
		{
			name:    "blob dir",
			mutate:  func(c *Config) { c.Blob.Dir = "/var/lib/capsuled/blobs" },
			changed: []string{"blob"},
		},
		{
			name:    "delivery section added",
			mutate:  func(c *Config) { c.Delivery = &DeliveryConfig{Workers: 8} },
			changed: []string{"delivery"},
		},
		{
			name:    "schedule sweep",
			mutate:  func(c *Config) { c.Schedule = &ScheduleConfig{SweepEvery: "10s"} },
			changed: []string{"schedule"},
		},
		{
			name:    "profile cache ttl",
			mutate:  func(c *Config) { c.Cache = &CacheConfig{TTL: "1m"} },
			changed: []string{"profile_cache"},
		},
		{
			name: "multiple sections sorted",
			mutate: func(c *Config) {
				c.Storage.Driver = "file"
				c.API.Enabled = false
				c.Logging.Console = false
			},
			changed: []string{"api", "logging", "storage"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			oldCfg := baseConfig()
			newCfg := baseConfig()
			tt.mutate(newCfg)

			changed, _ := SummarizeConfigChange(oldCfg, newCfg)
			if !reflect.DeepEqual(changed, tt.changed) {
				t.Fatalf("changed = %v, want %v", changed, tt.changed)
			}
		})
	}
}

func TestSummarizeConfigChangeNeverLogsSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := baseConfig()
	newCfg := baseConfig()
	newCfg.Telegram.Token = "" // token removed
	newCfg.API.Token = "super-secret"
	newCfg.Pprof.Token = "another-secret"
	newCfg.Pprof.Enabled = true

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		t.Fatal("expected changed sections")
	}

	// Render the attrs the way the app logger would and scan the output.
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("config changed")

	out := buf.String()
	for _, secret := range []string{"super-secret", "another-secret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q leaked into log output: %s", secret, out)
		}
	}
	if !strings.Contains(out, "api.token_set") {
		t.Fatalf("expected api.token_set marker in output: %s", out)
	}
}

func TestSummarizeConfigChangeDeliveryDefaultsEqualNil(t *testing.T) {
	t.Parallel()
	oldCfg := baseConfig()
	newCfg := baseConfig()
	// Spelling out the documented defaults must not count as a change.
	newCfg.Delivery = &DeliveryConfig{
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

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none (defaults spelled out)", changed)
	}
}

func TestSummarizeConfigChangeNilConfigs(t *testing.T) {
	t.Parallel()
	changed, attrs := SummarizeConfigChange(nil, nil)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none for nil/nil", changed)
	}
	if len(attrs) != 0 {
		t.Fatalf("attrs = %v, want none for nil/nil", attrs)
	}
}
