package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

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

// DurationOr is ParseDurationOrDefault for fields Validate already checked.
func DurationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) durationFields() map[string]string {
	return map[string]string{
		"discord.request_timeout":     c.Discord.RequestTimeout,
		"discord.command_timeout":     c.Discord.CommandTimeout,
		"storage.op_timeout":          c.Storage.OpTimeout,
		"storage.connect_timeout":     c.Storage.ConnectTimeout,
		"storage.retry_delay":         c.Storage.RetryDelay,
		"tracker.handle_timeout":      c.Tracker.HandleTimeout,
		"node_health.interval":        c.NodeHealth.Interval,
		"node_health.edit_timeout":    c.NodeHealth.EditTimeout,
		"lavalink.reconnect_interval": c.Lavalink.ReconnectInterval,
		"presence.interval":           c.Presence.Interval,
		"reconcile.delay":             c.Reconcile.Delay,
	}
}
