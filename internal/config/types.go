package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`

	Limits   LimitsConfig   `json:"limits"`
	Delivery DeliveryConfig `json:"delivery"`
	Dedup    DedupConfig    `json:"dedup"`
	Batches  BatchConfig    `json:"batches"`

	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ParseMode applies to outgoing text ("" | "HTML" | "Markdown").
	ParseMode string `json:"parse_mode,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chanpost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// LimitsConfig controls outbound throughput.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type LimitsConfig struct {
	// MinSpacing is the anti-flood floor between two sends to one chat.
	MinSpacing string `json:"min_spacing,omitempty"`
	// ScheduledPerHour caps scheduled sends per destination per hour.
	ScheduledPerHour int `json:"scheduled_per_hour,omitempty"`
	// GlobalPerSec caps sends across all destinations combined.
	GlobalPerSec float64 `json:"global_per_sec,omitempty"`
	GlobalBurst  int     `json:"global_burst,omitempty"`
}

type DeliveryConfig struct {
	MaxRetries    int     `json:"max_retries,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
}

// DedupConfig controls the perceptual-hash duplicate gate.
type DedupConfig struct {
	// Threshold is the maximum Hamming distance (in bits, 0..64) at which
	// two images count as the same content.
	Threshold int `json:"threshold,omitempty"`
}

type BatchConfig struct {
	// DefaultInterval between posts when a submission names none.
	DefaultInterval string `json:"default_interval,omitempty"`
}

// HousekeepingConfig controls periodic maintenance. Schedule is a cron
// expression; Retention bounds how long finished batch records are kept.
type HousekeepingConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// Validate rejects configs no service could start with. Duration fields
// are parsed here once so reloads fail up front instead of inside a
// component.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if _, err := ParseDurationField("limits.min_spacing", c.Limits.MinSpacing); err != nil {
		return err
	}
	if c.Limits.ScheduledPerHour < 0 {
		return fmt.Errorf("limits.scheduled_per_hour: must be >= 0")
	}
	if c.Limits.GlobalPerSec < 0 {
		return fmt.Errorf("limits.global_per_sec: must be >= 0")
	}
	if _, err := ParseDurationField("delivery.retry_base", c.Delivery.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("delivery.retry_max_delay", c.Delivery.RetryMaxDelay); err != nil {
		return err
	}
	if c.Delivery.RetryJitter < 0 || c.Delivery.RetryJitter > 1 {
		return fmt.Errorf("delivery.retry_jitter: must be in [0, 1]")
	}
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 64 {
		return fmt.Errorf("dedup.threshold: must be in [0, 64]")
	}
	if _, err := ParseDurationField("batches.default_interval", c.Batches.DefaultInterval); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if h := c.Housekeeping; h != nil {
		if _, err := ParseDurationField("housekeeping.retention", h.Retention); err != nil {
			return err
		}
	}
	return nil
}
