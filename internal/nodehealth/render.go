package nodehealth

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"botwatch/internal/nodes"
	"botwatch/internal/transport"
)

const (
	title = "Lavalink Node Stats"
	na    = "N/A"
)

// Online classifies a node. A node with players actively playing counts as up even
// while its session reconnects.
func Online(s nodes.Snapshot) bool {
	return s.State == nodes.StateConnected || (s.PlayingPlayers != nil && *s.PlayingPlayers > 0)
}

// FormatUptime renders "Xd Yh Zm" past a day, "Xh Ym Zs" past an hour and
// "Xm Ys" otherwise.
func FormatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	hours := secs % 86400 / 3600
	mins := secs % 3600 / 60
	s := secs % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, mins, s)
	default:
		return fmt.Sprintf("%dm %ds", mins, s)
	}
}

// Render builds the status card. Nodes are laid out two per row; an odd
// last node gets a row to itself.
func Render(snaps []nodes.Snapshot, interval time.Duration, now time.Time) transport.Content {
	card := &transport.Card{
		Title:     title,
		Color:     transport.ColorPrimary,
		Footer:    "Auto-updating every " + strconv.Itoa(int(math.Round(interval.Seconds()))) + " seconds",
		Timestamp: now,
	}
	if len(snaps) == 0 {
		card.Description = "No nodes configured."
	}
	for i := 0; i < len(snaps); i += 2 {
		card.Fields = append(card.Fields, nodeField(snaps[i]))
		if i+1 < len(snaps) {
			card.Fields = append(card.Fields,
				nodeField(snaps[i+1]),
				transport.Field{Name: transport.Blank, Value: transport.Blank, Inline: true},
			)
		}
	}
	card.Fields = append(card.Fields, transport.Field{
		Name:  transport.Blank,
		Value: "Last updated " + transport.RelativeTime(now),
	})
	return transport.Content{Card: card}
}

func nodeField(s nodes.Snapshot) transport.Field {
	var b strings.Builder
	if Online(s) {
		b.WriteString("🟢 Online\n")
	} else {
		b.WriteString("⚫ Offline\n")
	}
	b.WriteString("```yaml\n")
	fmt.Fprintf(&b, "Players: %s\n", intOr(s.Players))
	fmt.Fprintf(&b, "Playing: %s\n", intOr(s.PlayingPlayers))
	if s.Uptime != nil && *s.Uptime > 0 {
		fmt.Fprintf(&b, "Uptime: %s\n", FormatUptime(*s.Uptime))
	} else {
		fmt.Fprintf(&b, "Uptime: %s\n", na)
	}
	fmt.Fprintf(&b, "CPU: %s cores\n", intOr(s.CPUCores))
	fmt.Fprintf(&b, "Load: %s\n", percentOr(s.SystemLoad))
	fmt.Fprintf(&b, "LL Load: %s\n", percentOr(s.ProcessLoad))
	if s.MemoryUsed != nil {
		fmt.Fprintf(&b, "Memory: %dMB\n", int64(math.Round(float64(*s.MemoryUsed)/1024/1024)))
	} else {
		fmt.Fprintf(&b, "Memory: %s\n", na)
	}
	b.WriteString("```")
	return transport.Field{Name: s.Name, Value: b.String(), Inline: true}
}

func intOr(v *int) string {
	if v == nil {
		return na
	}
	return strconv.Itoa(*v)
}

func percentOr(v *float64) string {
	if v == nil {
		return na
	}
	return strconv.FormatFloat(*v*100, 'f', 1, 64) + "%"
}
