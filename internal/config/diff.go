package config

import (
	"reflect"
	"strings"

	logx "botwatch/pkg/logx"
)

// Change lists what a reload touched.
type Change struct {
	Sections []string
	// Fields are safe to log; secrets appear only as "*_set" booleans.
	Fields []logx.Field

	Logging    bool
	Tracker    bool
	NodeHealth bool // channel or interval
	Presence   bool
	Reconcile  bool
	Prefix     bool
	// Restart lists sections that changed but only apply after a restart.
	Restart []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Prefix != nd.Prefix || od.CommandTimeout != nd.CommandTimeout {
		ch.Prefix = true
		mark("discord.commands", logx.String("discord.prefix", nd.Prefix))
	}
	if od.Token != nd.Token || od.SendRate != nd.SendRate || od.SendBurst != nd.SendBurst || od.RequestTimeout != nd.RequestTimeout {
		ch.Restart = append(ch.Restart, "discord")
		mark("discord", logx.Bool("discord.token_set", strings.TrimSpace(nd.Token) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Logging = true
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID || oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		ch.Restart = append(ch.Restart, "telegram")
		mark("telegram", logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Restart = append(ch.Restart, "storage")
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Tracker != newCfg.Tracker {
		ch.Tracker = true
		mark("tracker", logx.Bool("tracker.role_set", newCfg.Tracker.NotificationRoleID != ""))
		if oldCfg.Tracker.Lanes != newCfg.Tracker.Lanes || oldCfg.Tracker.QueueSize != newCfg.Tracker.QueueSize {
			ch.Restart = append(ch.Restart, "tracker.lanes")
		}
	}

	on, nn := oldCfg.NodeHealth, newCfg.NodeHealth
	if on != nn {
		mark("node_health",
			logx.Bool("node_health.enabled", nn.Enabled),
			logx.String("node_health.channel_id", nn.ChannelID),
			logx.String("node_health.interval", nn.Interval),
		)
		if on.ChannelID != nn.ChannelID || on.Interval != nn.Interval {
			ch.NodeHealth = true
		}
		if on.Enabled != nn.Enabled || on.RecordPath != nn.RecordPath || on.EditTimeout != nn.EditTimeout {
			ch.Restart = append(ch.Restart, "node_health")
		}
	}
	if !reflect.DeepEqual(oldCfg.Lavalink, newCfg.Lavalink) {
		ch.Restart = append(ch.Restart, "lavalink")
		mark("lavalink", logx.Int("lavalink.nodes", len(newCfg.Lavalink.Nodes)))
	}

	if !reflect.DeepEqual(oldCfg.Presence, newCfg.Presence) {
		ch.Presence = true
		mark("presence",
			logx.Bool("presence.enabled", newCfg.Presence.Enabled),
			logx.String("presence.interval", newCfg.Presence.Interval),
			logx.Int("presence.activities", len(newCfg.Presence.Activities)),
		)
	}
	if oldCfg.Reconcile != newCfg.Reconcile {
		ch.Reconcile = true
		mark("reconcile",
			logx.Bool("reconcile.enabled", newCfg.Reconcile.Enabled),
			logx.String("reconcile.schedule", newCfg.Reconcile.Schedule),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		ch.Restart = append(ch.Restart, "debug")
		mark("debug",
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return ch
}
