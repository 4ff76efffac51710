package app

import (
	"strings"
	"time"

	"botwatch/internal/commands"
	"botwatch/internal/config"
	"botwatch/internal/nodehealth"
	"botwatch/internal/nodes"
	"botwatch/internal/observability/debug"
	"botwatch/internal/storage"
	"botwatch/internal/tracker"
	"botwatch/internal/transport/discord"
	"botwatch/internal/transport/telegram"
	logx "botwatch/pkg/logx"
)

// Mapping from file config to component configs. Durations were checked by
// config.Validate, so DurationOr only supplies defaults here.

func mapLogging(c *config.Config) logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       c.Logging.File.Path,
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
			MaxAgeDays: c.Logging.File.MaxAgeDays,
		},
		Chat: logx.ChatConfig{
			Enabled:    c.Logging.Telegram.Enabled,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(c *config.Config) (telegram.Config, bool) {
	tc := telegram.Config{Token: c.Telegram.Token, ChatID: c.Telegram.ChatID, ThreadID: c.Telegram.ThreadID}
	return tc, strings.TrimSpace(tc.Token) != "" && tc.ChatID != 0
}

func mapDiscord(c *config.Config) discord.Config {
	return discord.Config{
		Token:          c.Discord.Token,
		SendRate:       float64(c.Discord.SendRate),
		SendBurst:      c.Discord.SendBurst,
		RequestTimeout: config.DurationOr(c.Discord.RequestTimeout, 15*time.Second),
	}
}

func mapCommands(c *config.Config) commands.Config {
	return commands.Config{
		Prefix:  c.Discord.Prefix,
		Timeout: config.DurationOr(c.Discord.CommandTimeout, 20*time.Second),
	}
}

// mapStorage reports false when storage is disabled.
func mapStorage(c *config.Config) (storage.Config, bool) {
	sc := c.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	hb := config.DurationOr(sc.Heartbeat, 0)
	if strings.TrimSpace(sc.Heartbeat) == "off" {
		hb = -1
	}
	return storage.Config{
		Driver:            driver,
		URI:               strings.TrimSpace(sc.URI),
		OpTimeout:         config.DurationOr(sc.OpTimeout, storage.DefaultOpTimeout),
		ConnectTimeout:    config.DurationOr(sc.ConnectTimeout, storage.DefaultConnectTimeout),
		RetryDelay:        config.DurationOr(sc.RetryDelay, storage.DefaultRetryDelay),
		RetryAttempts:     sc.RetryAttempts,
		HeartbeatInterval: hb,
	}, true
}

func mapTracker(c *config.Config, reporter string) tracker.Config {
	if r := strings.TrimSpace(c.Tracker.Reporter); r != "" {
		reporter = r
	}
	return tracker.Config{NotificationRoleID: c.Tracker.NotificationRoleID, Reporter: reporter}
}

func mapDispatcher(c *config.Config) tracker.DispatcherConfig {
	return tracker.DispatcherConfig{
		Lanes:         c.Tracker.Lanes,
		QueueSize:     c.Tracker.QueueSize,
		HandleTimeout: config.DurationOr(c.Tracker.HandleTimeout, 30*time.Second),
	}
}

func mapNodeHealth(c *config.Config) nodehealth.Config {
	return nodehealth.Config{
		ChannelID:   strings.TrimSpace(c.NodeHealth.ChannelID),
		Interval:    config.DurationOr(c.NodeHealth.Interval, nodehealth.DefaultInterval),
		EditTimeout: config.DurationOr(c.NodeHealth.EditTimeout, 15*time.Second),
	}
}

// mapLavalink merges inline nodes with nodes_file.
func mapLavalink(c *config.Config) (nodes.Config, error) {
	list := append([]nodes.NodeConfig(nil), c.Lavalink.Nodes...)
	if p := strings.TrimSpace(c.Lavalink.NodesFile); p != "" {
		more, err := nodes.LoadFile(p)
		if err != nil {
			return nodes.Config{}, err
		}
		list = append(list, more...)
	}
	return nodes.Config{
		Nodes:             list,
		ClientName:        c.Lavalink.ClientName,
		ReconnectInterval: config.DurationOr(c.Lavalink.ReconnectInterval, nodes.DefaultReconnectInterval),
	}, nil
}

func mapActivities(c *config.Config) []discord.Activity {
	out := make([]discord.Activity, 0, len(c.Presence.Activities))
	for _, a := range c.Presence.Activities {
		out = append(out, discord.Activity{
			Name: strings.ReplaceAll(a.Name, "{prefix}", c.Discord.Prefix),
			Type: a.Type,
		})
	}
	return out
}

func mapDebug(c *config.Config) debug.Config {
	return debug.Config{
		Addr:                 c.Debug.Addr,
		Token:                c.Debug.Token,
		AllowInsecure:        c.Debug.AllowInsecure,
		Pprof:                c.Debug.Pprof,
		MutexProfileFraction: c.Debug.MutexProfileFraction,
		BlockProfileRate:     c.Debug.BlockProfileRate,
	}
}
