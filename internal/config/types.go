package config

import "botwatch/internal/nodes"

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "15s", "1m").
type Config struct {
	Discord    DiscordConfig    `json:"discord"`
	Telegram   TelegramConfig   `json:"telegram,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Tracker    TrackerConfig    `json:"tracker,omitempty"`
	NodeHealth NodeHealthConfig `json:"node_health,omitempty"`
	Lavalink   LavalinkConfig   `json:"lavalink,omitempty"`
	Presence   PresenceConfig   `json:"presence,omitempty"`
	Reconcile  ReconcileConfig  `json:"reconcile,omitempty"`
	Debug      DebugConfig      `json:"debug,omitempty"`
}

type DiscordConfig struct {
	Token  string `json:"token" validate:"required"`
	Prefix string `json:"prefix,omitempty" validate:"omitempty,max=8"`
	// SendRate and SendBurst bound REST writes (messages and edits).
	SendRate       int    `json:"send_rate,omitempty" validate:"gte=0"`
	SendBurst      int    `json:"send_burst,omitempty" validate:"gte=0"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	// CommandTimeout bounds a single prefix command.
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// TelegramConfig is the optional ops chat that receives log lines.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "uri": "./botwatch.db" }
//
// An empty driver (or "none") disables storage; presence tracking and the
// tracking commands are then unavailable.
type StorageConfig struct {
	Driver         string `json:"driver" validate:"omitempty,oneof=sqlite memory none"`
	URI            string `json:"uri,omitempty" validate:"required_if=Driver sqlite"`
	OpTimeout      string `json:"op_timeout,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	RetryAttempts  int    `json:"retry_attempts,omitempty"`
	Heartbeat      string `json:"heartbeat,omitempty"`
}

type TrackerConfig struct {
	// NotificationRoleID is mentioned on every status update.
	NotificationRoleID string `json:"notification_role_id,omitempty" validate:"omitempty,numeric"`
	// Reporter is the name in the "Reported by" footer. Defaults to the
	// bot's own user name.
	Reporter      string `json:"reporter,omitempty"`
	Lanes         int    `json:"lanes,omitempty" validate:"gte=0,lte=256"`
	QueueSize     int    `json:"queue_size,omitempty" validate:"gte=0"`
	HandleTimeout string `json:"handle_timeout,omitempty"`
}

type NodeHealthConfig struct {
	Enabled   bool   `json:"enabled"`
	ChannelID string `json:"channel_id,omitempty" validate:"omitempty,numeric"`
	Interval  string `json:"interval,omitempty"`
	// RecordPath is where the status message location is persisted.
	RecordPath  string `json:"record_path,omitempty"`
	EditTimeout string `json:"edit_timeout,omitempty"`
}

type LavalinkConfig struct {
	Nodes []nodes.NodeConfig `json:"nodes,omitempty" validate:"dive"`
	// NodesFile is a JSON array of nodes, merged after Nodes.
	NodesFile         string `json:"nodes_file,omitempty"`
	ClientName        string `json:"client_name,omitempty"`
	ReconnectInterval string `json:"reconnect_interval,omitempty"`
}

type PresenceConfig struct {
	Enabled  bool   `json:"enabled"`
	Status   string `json:"status,omitempty" validate:"omitempty,oneof=online idle dnd invisible"`
	Interval string `json:"interval,omitempty"`
	// Activities rotate in order. "{prefix}" in a name expands to the
	// command prefix.
	Activities []ActivityConfig `json:"activities,omitempty" validate:"dive"`
}

type ActivityConfig struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type,omitempty" validate:"omitempty,oneof=playing streaming listening watching competing"`
}

// ReconcileConfig controls the membership sweep that removes stale
// communities and departed agents.
type ReconcileConfig struct {
	Enabled bool `json:"enabled"`
	// Delay is the wait after the gateway is ready before the first sweep.
	Delay    string `json:"delay,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// DebugConfig controls the optional health and pprof HTTP server.
//
// Prefer a loopback address. A non-loopback bind needs a token or an explicit
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
