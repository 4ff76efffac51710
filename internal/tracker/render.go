package tracker

import (
	"strings"

	"botwatch/internal/transport"
)

const (
	emojiOnline  = "🟢"
	emojiOffline = "⚫"
)

func render(ev Event, d Decision, cfg Config) transport.Content {
	mention := transport.UserMention(ev.AgentID)

	var (
		line  string
		color transport.Color
	)
	switch d.Kind {
	case WentOffline:
		line = emojiOffline + " **" + mention + " is now offline.**"
		color = transport.ColorError
	case CameBackOnline:
		line = emojiOnline + " **" + mention + " is back online! Offline for " + FormatDowntime(d.Downtime) + "**"
		color = transport.ColorSuccess
	default:
		line = emojiOnline + " **" + mention + " is online!**"
		color = transport.ColorSuccess
	}

	name := ev.AgentName
	if name == "" {
		name = ev.AgentID
	}

	var desc strings.Builder
	desc.WriteString(line)
	desc.WriteString("\n\nReported by **")
	desc.WriteString(cfg.Reporter)
	desc.WriteString("** • ")
	desc.WriteString(transport.RelativeTime(d.At))

	c := transport.Content{
		Card: &transport.Card{
			Title:       name + " Status Update",
			Description: desc.String(),
			Color:       color,
			Thumbnail:   ev.AvatarURL,
			Timestamp:   d.At,
		},
	}
	if cfg.NotificationRoleID != "" {
		c.Text = transport.RoleMention(cfg.NotificationRoleID)
	}
	return c
}
