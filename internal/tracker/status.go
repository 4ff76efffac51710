package tracker

import "strings"

// Status is a presence state. Anything the platform reports that is not one
// of the four known values is treated as offline.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// ParseStatus normalizes a raw platform status. Empty (no previous presence)
// and "invisible" map to offline.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusOnline:
		return StatusOnline
	case StatusIdle:
		return StatusIdle
	case StatusDND:
		return StatusDND
	default:
		return StatusOffline
	}
}

func (s Status) Offline() bool { return s == StatusOffline || s == "" }

// Event is one presence change of an agent inside a community.
type Event struct {
	CommunityID string
	AgentID     string
	AgentName   string
	AvatarURL   string
	Old         Status
	New         Status
}
