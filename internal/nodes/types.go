package nodes

import "time"

// NodeConfig is one Lavalink node, in the shape of a lavalink-nodes.json entry.
type NodeConfig struct {
	Name   string `json:"name" validate:"required"`
	URL    string `json:"url" validate:"required"` // host:port
	Auth   string `json:"auth"`
	Secure bool   `json:"secure,omitempty"`
}

type Config struct {
	Nodes []NodeConfig
	// ClientName is sent in the Client-Name handshake header.
	ClientName string
	// ReconnectInterval is the fixed delay between dial attempts.
	ReconnectInterval time.Duration
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Snapshot is the latest view of one node. Nil metrics were never reported.
type Snapshot struct {
	Name           string
	State          State
	Players        *int
	PlayingPlayers *int
	Uptime         *time.Duration
	CPUCores       *int
	SystemLoad     *float64 // 0..1
	ProcessLoad    *float64 // 0..1
	MemoryUsed     *int64   // bytes
	UpdatedAt      time.Time
}

// wireMessage covers the ops we read from the v4 websocket.
type wireMessage struct {
	Op string `json:"op"`

	// op=ready
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`

	// op=stats
	Players        *int        `json:"players"`
	PlayingPlayers *int        `json:"playingPlayers"`
	Uptime         *int64      `json:"uptime"`
	Memory         *wireMemory `json:"memory"`
	CPU            *wireCPU    `json:"cpu"`
}

type wireMemory struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

type wireCPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}
