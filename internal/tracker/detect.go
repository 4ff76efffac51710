package tracker

import "time"

type Kind int

const (
	None Kind = iota
	WentOffline
	CameBackOnline
	CameBackOnlineNoHistory
)

func (k Kind) String() string {
	switch k {
	case WentOffline:
		return "went_offline"
	case CameBackOnline:
		return "came_back_online"
	case CameBackOnlineNoHistory:
		return "came_back_online_no_history"
	default:
		return "none"
	}
}

// Decision is the outcome of Detect. NewLastOnline is the value to persist.
type Decision struct {
	Kind          Kind
	Downtime      time.Duration
	NewLastOnline *time.Time
	At            time.Time
}

// Detect reports whether a status change crosses the offline boundary.
// online, idle and dnd are all "up"; moving between them is not notable.
func Detect(prev, next Status, stored *time.Time, now time.Time) Decision {
	switch {
	case !prev.Offline() && next.Offline():
		t := now
		return Decision{Kind: WentOffline, NewLastOnline: &t, At: now}
	case prev.Offline() && !next.Offline():
		if stored == nil {
			return Decision{Kind: CameBackOnlineNoHistory, At: now}
		}
		down := now.Sub(*stored)
		if down < 0 {
			down = 0
		}
		return Decision{Kind: CameBackOnline, Downtime: down, At: now}
	default:
		return Decision{Kind: None, At: now}
	}
}
