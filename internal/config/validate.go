package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"botwatch/internal/scheduler"
)

const (
	DefaultPrefix           = ">"
	DefaultPresenceInterval = "12s"
	DefaultReconcileDelay   = "10s"
	DefaultReconcileAt      = "0 4 * * *"
	DefaultNodeInterval     = "60s"
	DefaultRecordPath       = "data/node-status.json"
	DefaultDebugAddr        = "127.0.0.1:6060"
)

// ApplyDefaults fills fields the file left empty.
func ApplyDefaults(c *Config) {
	if strings.TrimSpace(c.Discord.Prefix) == "" {
		c.Discord.Prefix = DefaultPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "none"
	}
	if c.NodeHealth.Interval == "" {
		c.NodeHealth.Interval = DefaultNodeInterval
	}
	if c.NodeHealth.RecordPath == "" {
		c.NodeHealth.RecordPath = DefaultRecordPath
	}
	if c.Presence.Status == "" {
		c.Presence.Status = "dnd"
	}
	if c.Presence.Interval == "" {
		c.Presence.Interval = DefaultPresenceInterval
	}
	if len(c.Presence.Activities) == 0 {
		c.Presence.Activities = []ActivityConfig{{Name: "{prefix}help", Type: "watching"}}
	}
	if c.Reconcile.Delay == "" {
		c.Reconcile.Delay = DefaultReconcileDelay
	}
	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = DefaultReconcileAt
	}
	if c.Debug.Addr == "" {
		c.Debug.Addr = DefaultDebugAddr
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags plus the cross-field rules tags cannot express.
// All problems are reported together.
func Validate(c *Config) error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	fields := c.durationFields()
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if _, err := ParseDurationField(p, fields[p]); err != nil {
			errs = append(errs, err)
		}
	}
	if hb := strings.TrimSpace(c.Storage.Heartbeat); hb != "" && hb != "off" {
		if _, err := ParseDurationField("storage.heartbeat", hb); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.ContainsAny(c.Discord.Prefix, " \t\n") {
		errs = append(errs, errors.New("discord.prefix: must not contain whitespace"))
	}
	if c.Logging.Telegram.Enabled && (strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("logging.telegram: needs telegram.token and telegram.chat_id"))
	}
	if c.NodeHealth.Enabled && len(c.Lavalink.Nodes) == 0 && strings.TrimSpace(c.Lavalink.NodesFile) == "" {
		errs = append(errs, errors.New("node_health: enabled without lavalink.nodes or lavalink.nodes_file"))
	}
	if c.Reconcile.Enabled {
		if _, err := scheduler.ParseSchedule(c.Reconcile.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.schedule: %w", err))
		}
	}
	if c.Debug.Enabled && !c.Debug.AllowInsecure && strings.TrimSpace(c.Debug.Token) == "" && !isLoopback(c.Debug.Addr) {
		errs = append(errs, errors.New("debug: non-loopback addr needs a token or allow_insecure"))
	}
	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
