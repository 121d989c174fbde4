package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("3s", "2m30s").
// They cover the pacing knobs: limits.min_spacing, delivery.retry_base,
// delivery.retry_max_delay, batches.default_interval, storage.busy_timeout
// and housekeeping.retention.

// ParseDurationField parses one such field. An empty value is not an error;
// it parses to zero so the component's own default applies. Negative
// durations are rejected, path names the field in the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for empty or zero values. Used
// where zero is not a meaningful setting, like batches.default_interval.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
