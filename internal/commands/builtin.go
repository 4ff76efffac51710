package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"botwatch/internal/gateway"
	"botwatch/internal/nodehealth"
	"botwatch/internal/storage"
	"botwatch/internal/transport"
)

// NodeChannel is the part of the node-health manager commands drive.
type NodeChannel interface {
	Channel() string
	SetChannel(ctx context.Context, channelID string) error
	State() nodehealth.State
}

type Deps struct {
	Gateway *gateway.Gateway
	Sink    transport.Sink
	Nodes   NodeChannel // nil when node health is disabled
	// Latency reports the gateway heartbeat round trip.
	Latency func() time.Duration
	// Reporter names the bot in card footers.
	Reporter func() string
	Now      func() time.Time
}

var (
	reUser    = regexp.MustCompile(`^<@!?(\d+)>$`)
	reChannel = regexp.MustCompile(`^<#(\d+)>$`)
	reID      = regexp.MustCompile(`^\d+$`)
)

func parseUser(s string) (string, bool) {
	if m := reUser.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return s, reID.MatchString(s)
}

func parseChannel(s string) (string, bool) {
	if m := reChannel.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return s, reID.MatchString(s)
}

type builtins struct {
	d Deps
}

// Builtins returns the tracker and misc commands.
func Builtins(d Deps) []Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Reporter == nil {
		d.Reporter = func() string { return "botwatch" }
	}
	b := &builtins{d: d}
	return []Command{
		{Name: "add", Aliases: []string{"a"}, Usage: "<@bot | bot id>", Manage: true,
			Description: "Start tracking a bot's status.", Handle: b.add},
		{Name: "remove", Aliases: []string{"r", "delete", "d"}, Usage: "<@bot | bot id>", Manage: true,
			Description: "Stop tracking a bot's status.", Handle: b.remove},
		{Name: "list", Aliases: []string{"ls", "l"}, Manage: true,
			Description: "List the bots that are currently being tracked.", Handle: b.list},
		{Name: "channel", Usage: "[#channel]", Manage: true,
			Description: "Show or set the channel status updates are posted to.", Handle: b.channel},
		{Name: "nodechannel", Aliases: []string{"lc", "lavalinkchannel"}, Usage: "[#channel]", Manage: true,
			Description: "Show or set the channel Lavalink node stats are posted to.", Handle: b.nodeChannel},
		{Name: "ping", Aliases: []string{"p", "latency"},
			Description: "Check the bot's latency and API response time.", Handle: b.ping},
		{Name: "help", Aliases: []string{"h"},
			Description: "Display all available commands.", Handle: b.help},
	}
}

func (b *builtins) card(title, body string, color transport.Color) transport.Content {
	return transport.Content{Card: &transport.Card{
		Title:       title,
		Description: body + "\n\nReported by **" + b.d.Reporter() + "** • " + transport.RelativeTime(b.d.Now()),
		Color:       color,
	}}
}

func (b *builtins) reply(ctx context.Context, req *Request, title, body string, color transport.Color) error {
	_, err := req.Reply(ctx, b.card(title, body, color))
	return err
}

func (b *builtins) noStore(ctx context.Context, req *Request) error {
	return b.reply(ctx, req, "Storage Not Configured",
		"⚠️ Storage is not configured, so tracking is unavailable.", transport.ColorWarning)
}

func channelHint(req *Request) string {
	return fmt.Sprintf("Run `%schannel #channel` to set one.", req.Prefix)
}

func (b *builtins) add(ctx context.Context, req *Request) error {
	const title = "Add Bot"
	if len(req.Args) == 0 {
		return b.reply(ctx, req, title+" • No Bot Provided",
			fmt.Sprintf("⚠️ Mention a bot or provide a bot ID.\nUsage: `%sadd @bot` or `%sadd <bot_id>`", req.Prefix, req.Prefix),
			transport.ColorWarning)
	}
	id, ok := parseUser(req.Args[0])
	if !ok {
		return b.reply(ctx, req, title+" • Invalid Target", "❌ That is not a user mention or id.", transport.ColorError)
	}

	_, err := b.d.Gateway.Add(ctx, req.Message.CommunityID, id)
	mention := transport.UserMention(id)
	switch {
	case err == nil:
		return b.reply(ctx, req, title, "✅ Successfully added "+mention+" to the tracking list.", transport.ColorSuccess)
	case errors.Is(err, storage.ErrDisabled):
		return b.noStore(ctx, req)
	case errors.Is(err, gateway.ErrNoBroadcastChannel):
		return b.reply(ctx, req, title+" • Broadcast Channel Not Set",
			"⛔ A broadcast channel is not defined.\n"+channelHint(req), transport.ColorWarning)
	case errors.Is(err, transport.ErrUnknownMember):
		return b.reply(ctx, req, title+" • Unknown Member", "❌ "+mention+" is not a member of this server.", transport.ColorError)
	case errors.Is(err, gateway.ErrNotAgent):
		return b.reply(ctx, req, title+" • Invalid User", "❌ The user "+mention+" is not a bot. Only bots can be tracked.", transport.ColorError)
	case errors.Is(err, gateway.ErrAlreadyTracked):
		return b.reply(ctx, req, title+" • Already Tracked", "ℹ️ The bot "+mention+" is already being tracked.", transport.ColorPrimary)
	default:
		return err
	}
}

func (b *builtins) remove(ctx context.Context, req *Request) error {
	const title = "Remove Bot"
	if len(req.Args) == 0 {
		return b.reply(ctx, req, title+" • No Bot Provided",
			fmt.Sprintf("⚠️ Mention a bot or provide a bot ID.\nUsage: `%sremove @bot` or `%sremove <bot_id>`", req.Prefix, req.Prefix),
			transport.ColorWarning)
	}
	id, ok := parseUser(req.Args[0])
	if !ok {
		return b.reply(ctx, req, title+" • Invalid Target", "❌ That is not a user mention or id.", transport.ColorError)
	}

	err := b.d.Gateway.Remove(ctx, req.Message.CommunityID, id)
	mention := transport.UserMention(id)
	switch {
	case err == nil:
		return b.reply(ctx, req, title, "✅ Successfully removed "+mention+" from the tracking list.", transport.ColorSuccess)
	case errors.Is(err, storage.ErrDisabled):
		return b.noStore(ctx, req)
	case errors.Is(err, gateway.ErrNotAgent):
		return b.reply(ctx, req, title+" • Invalid Member", "❌ "+mention+" is not a bot. Please mention a valid bot.", transport.ColorError)
	case errors.Is(err, gateway.ErrNotTracked):
		return b.reply(ctx, req, title+" • Not Tracked", "ℹ️ "+mention+" is not in the tracking list.", transport.ColorPrimary)
	default:
		return err
	}
}

func (b *builtins) list(ctx context.Context, req *Request) error {
	const title = "Tracked Bots"
	l, err := b.d.Gateway.List(ctx, req.Message.CommunityID)
	if errors.Is(err, storage.ErrDisabled) {
		return b.noStore(ctx, req)
	}
	if err != nil {
		return err
	}
	if l.BroadcastChannel == "" {
		return b.reply(ctx, req, title, "⛔ **No broadcast channel set.**\n"+channelHint(req), transport.ColorWarning)
	}
	if len(l.Agents) == 0 {
		return b.reply(ctx, req, title, "ℹ️ **No bots are currently being tracked.**", transport.ColorPrimary)
	}

	var sb strings.Builder
	for i, a := range l.Agents {
		name := "❓ Unknown Bot"
		if a.Name != "" {
			name = "🤖 " + a.Name
		}
		fmt.Fprintf(&sb, "`%d.` %s (`%s`)", i+1, name, a.ID)
		if a.LastOnline != nil {
			sb.WriteString(" • offline since " + transport.RelativeTime(*a.LastOnline))
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("\n📢 **Broadcast Channel:** " + transport.ChannelMention(l.BroadcastChannel))
	return b.reply(ctx, req, title, sb.String(), transport.ColorPrimary)
}

func (b *builtins) channel(ctx context.Context, req *Request) error {
	const title = "Broadcast Channel"
	if len(req.Args) == 0 {
		l, err := b.d.Gateway.List(ctx, req.Message.CommunityID)
		if errors.Is(err, storage.ErrDisabled) {
			return b.noStore(ctx, req)
		}
		if err != nil {
			return err
		}
		if l.BroadcastChannel == "" {
			return b.reply(ctx, req, title+" Not Set", "⛔ No broadcast channel defined.\n"+channelHint(req), transport.ColorWarning)
		}
		if _, err := b.d.Sink.ResolveChannel(ctx, l.BroadcastChannel); err != nil {
			return b.reply(ctx, req, title+" Missing",
				"⚠️ The stored broadcast channel no longer exists.\nPlease mention a new channel to set.", transport.ColorWarning)
		}
		return b.reply(ctx, req, "Current "+title,
			"📢 The broadcast channel is currently set to "+transport.ChannelMention(l.BroadcastChannel)+".", transport.ColorPrimary)
	}

	id, ok := parseChannel(req.Args[0])
	if !ok {
		return b.reply(ctx, req, "Invalid Channel", "❌ Mention a text channel or give its id.", transport.ColorError)
	}
	ch, err := b.d.Gateway.SetChannel(ctx, req.Message.CommunityID, id)
	switch {
	case err == nil:
		return b.reply(ctx, req, title+" Updated",
			"✅ Successfully set the broadcast channel to "+transport.ChannelMention(ch.ID)+".", transport.ColorSuccess)
	case errors.Is(err, storage.ErrDisabled):
		return b.noStore(ctx, req)
	case errors.Is(err, transport.ErrUnknownChannel), errors.Is(err, gateway.ErrForeignChannel):
		return b.reply(ctx, req, "Invalid Channel", "❌ The specified channel is not a text or news channel in this server.", transport.ColorError)
	default:
		return err
	}
}

func (b *builtins) nodeChannel(ctx context.Context, req *Request) error {
	const title = "Lavalink Broadcast Channel"
	if b.d.Nodes == nil {
		return b.reply(ctx, req, title, "⚠️ Lavalink node stats are not enabled.", transport.ColorWarning)
	}
	if len(req.Args) == 0 {
		cur := b.d.Nodes.Channel()
		if cur == "" {
			return b.reply(ctx, req, title+" Not Set",
				fmt.Sprintf("⛔ No Lavalink broadcast channel defined.\nRun `%snodechannel #channel` to set one.", req.Prefix), transport.ColorWarning)
		}
		return b.reply(ctx, req, "Current "+title,
			fmt.Sprintf("📢 The Lavalink broadcast channel is currently set to %s (%s).", transport.ChannelMention(cur), b.d.Nodes.State()),
			transport.ColorPrimary)
	}

	id, ok := parseChannel(req.Args[0])
	if !ok {
		return b.reply(ctx, req, "Invalid Channel", "❌ Mention a text channel or give its id.", transport.ColorError)
	}
	ch, err := b.d.Sink.ResolveChannel(ctx, id)
	if err != nil || (ch.CommunityID != "" && ch.CommunityID != req.Message.CommunityID) {
		return b.reply(ctx, req, "Invalid Channel", "❌ The specified channel is not a text or news channel in this server.", transport.ColorError)
	}
	if err := b.d.Nodes.SetChannel(ctx, ch.ID); err != nil {
		return err
	}
	return b.reply(ctx, req, title+" Updated",
		"✅ Successfully set the Lavalink broadcast channel to "+transport.ChannelMention(ch.ID)+".", transport.ColorSuccess)
}

func (b *builtins) ping(ctx context.Context, req *Request) error {
	start := time.Now()
	ref, err := req.Reply(ctx, transport.Content{Text: "🏓 Pinging..."})
	if err != nil {
		return err
	}
	rtt := time.Since(start)

	body := fmt.Sprintf("**API round trip:** %dms", rtt.Milliseconds())
	if b.d.Latency != nil {
		body = fmt.Sprintf("**Gateway heartbeat:** %dms\n", b.d.Latency().Milliseconds()) + body
	}
	return b.d.Sink.EditMessage(ctx, ref, b.card("🏓 Pong!", body, transport.ColorPrimary))
}

func (b *builtins) help(ctx context.Context, req *Request) error {
	var sb strings.Builder
	for _, c := range req.Router.Commands() {
		fmt.Fprintf(&sb, "`%s%s", req.Prefix, c.Name)
		if c.Usage != "" {
			sb.WriteString(" " + c.Usage)
		}
		sb.WriteString("`")
		if len(c.Aliases) > 0 {
			sb.WriteString(" (" + strings.Join(c.Aliases, ", ") + ")")
		}
		sb.WriteString("\n" + c.Description + "\n")
	}
	return b.reply(ctx, req, "Help", strings.TrimRight(sb.String(), "\n"), transport.ColorPrimary)
}
