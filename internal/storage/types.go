package storage

import (
	"time"
)

const (
	DefaultOpTimeout         = 15 * time.Second
	DefaultRetryDelay        = 5 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// Config configures the store.
//
// Driver values:
//   - "sqlite": SQLite database file (URI is a path or a file: DSN)
//   - "memory": process-local, lost on exit
//
// If Driver is empty or "none", storage is disabled and Open returns ErrDisabled.
type Config struct {
	Driver string
	URI    string

	OpTimeout         time.Duration // per-operation bound; 0 means DefaultOpTimeout
	ConnectTimeout    time.Duration // per-dial bound
	RetryDelay        time.Duration // fixed delay between reconnect attempts
	RetryAttempts     int           // <=0 means retry forever
	HeartbeatInterval time.Duration // backend ping interval; <0 disables
}

func (c Config) withDefaults() Config {
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// CommunityRecord is the persisted tracking state of one community.
type CommunityRecord struct {
	ID               string
	BroadcastChannel string // empty until configured
	TrackedAgents    []TrackedAgent
	// Version is bumped on every agent-list write and checked on save.
	Version int64
}

// TrackedAgent is one monitored agent. LastOnline is nil while the agent is
// online (or has not gone offline since tracking began) and holds the time it
// went offline otherwise.
type TrackedAgent struct {
	ID         string
	LastOnline *time.Time
}

// Agent returns the tracked entry for id.
func (r *CommunityRecord) Agent(id string) (TrackedAgent, bool) {
	if r == nil {
		return TrackedAgent{}, false
	}
	for _, a := range r.TrackedAgents {
		if a.ID == id {
			return a, true
		}
	}
	return TrackedAgent{}, false
}

// IsTracked reports whether id is in the tracked list.
func (r *CommunityRecord) IsTracked(id string) bool {
	_, ok := r.Agent(id)
	return ok
}

// Clone returns a deep copy so callers can mutate freely.
func (r *CommunityRecord) Clone() *CommunityRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.TrackedAgents = make([]TrackedAgent, len(r.TrackedAgents))
	for i, a := range r.TrackedAgents {
		cp.TrackedAgents[i] = TrackedAgent{ID: a.ID}
		if a.LastOnline != nil {
			t := *a.LastOnline
			cp.TrackedAgents[i].LastOnline = &t
		}
	}
	return &cp
}

// AgentsUpdate replaces the agent list of one record, guarded by Version.
type AgentsUpdate struct {
	CommunityID string
	Agents      []TrackedAgent
	Version     int64
}
