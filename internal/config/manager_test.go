package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validJSON = `{
  "telegram": {"token": "123:abc"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "sqlite", "path": "./state.db", "busy_timeout": "5s"},
  "limits": {"min_spacing": "3s", "scheduled_per_hour": 60, "global_per_sec": 25},
  "delivery": {"max_retries": 5, "retry_base": "2s", "retry_max_delay": "3m", "retry_jitter": 0.2},
  "dedup": {"threshold": 5},
  "batches": {"default_interval": "1m"}
}`

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Limits.ScheduledPerHour != 60 || cfg.Limits.MinSpacing != "3s" {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	const y = `
telegram:
  token: "123:abc"
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: ./chanpost.log
limits:
  min_spacing: 3s
  scheduled_per_hour: 19
delivery:
  retry_base: 1s
dedup:
  threshold: 3
batches:
  default_interval: 2m
`
	m := NewManager(writeConfig(t, "config.yaml", y))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Limits.ScheduledPerHour != 19 {
		t.Fatalf("scheduled_per_hour = %d, want 19", cfg.Limits.ScheduledPerHour)
	}
	if cfg.Dedup.Threshold != 3 {
		t.Fatalf("threshold = %d, want 3", cfg.Dedup.Threshold)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	const bad = `{"telegram": {"token": "x", "typo_field": 1}, "logging": {}, "limits": {}, "delivery": {}, "dedup": {}, "batches": {}}`
	m := NewManager(writeConfig(t, "config.json", bad))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON+`{"telegram":{}}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing data must be rejected")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"minimal", func(c *Config) {}, true},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, false},
		{"bad spacing", func(c *Config) { c.Limits.MinSpacing = "fast" }, false},
		{"negative per hour", func(c *Config) { c.Limits.ScheduledPerHour = -1 }, false},
		{"jitter too big", func(c *Config) { c.Delivery.RetryJitter = 1.5 }, false},
		{"threshold over 64", func(c *Config) { c.Dedup.Threshold = 65 }, false},
		{"bad retention", func(c *Config) {
			c.Housekeeping = &HousekeepingConfig{Enabled: true, Retention: "soon"}
		}, false},
		{"full valid", func(c *Config) {
			c.Limits = LimitsConfig{MinSpacing: "3s", ScheduledPerHour: 60, GlobalPerSec: 25}
			c.Delivery = DeliveryConfig{MaxRetries: 5, RetryBase: "2s", RetryMaxDelay: "3m", RetryJitter: 0.2}
			c.Dedup = DedupConfig{Threshold: 5}
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("empty = (%v, %v), want default", d, err)
	}
	d, err = ParseDurationOrDefault("x", "10s", 3*time.Second)
	if err != nil || d != 10*time.Second {
		t.Fatalf("explicit = (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must be rejected")
	}
}

func TestSubscribePublishKeepsLatest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{}
	b := &Config{Telegram: TelegramConfig{Token: "b"}}
	m.publish(a)
	m.publish(b) // buffer full: a is dropped, b delivered

	got := <-ch
	if got != b {
		t.Fatal("slow subscriber must receive the newest config")
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra update: %+v", extra)
	default:
	}
}
