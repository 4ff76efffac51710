package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"botwatch/internal/tracker"
	"botwatch/internal/transport"
	logx "botwatch/pkg/logx"
)

func presenceKey(guildID, userID string) string { return guildID + ":" + userID }

func (a *Adapter) registerHandlers() {
	a.s.AddHandler(a.onReady)
	a.s.AddHandler(a.onGuildCreate)
	a.s.AddHandler(a.onGuildDelete)
	a.s.AddHandler(a.onGuildMemberAdd)
	a.s.AddHandler(a.onPresenceUpdate)
	a.s.AddHandler(a.onMessageCreate)
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	ids := make([]string, 0, len(r.Guilds))
	for _, g := range r.Guilds {
		ids = append(ids, g.ID)
	}
	name := ""
	if r.User != nil {
		name = r.User.Username
	}
	a.log.Info("discord session ready", logx.String("user", name), logx.Int("communities", len(ids)))
	a.sendUpdate(Update{Kind: UpdateReady, Communities: ids})
}

func (a *Adapter) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	for _, p := range g.Presences {
		if p.User != nil {
			a.presence.Set(presenceKey(g.ID, p.User.ID), tracker.ParseStatus(string(p.Status)))
		}
	}
	for _, m := range g.Members {
		if m.User != nil {
			a.agents.Set(m.User.ID, m.User.Bot)
		}
	}
	if g.MemberCount > len(g.Members) {
		// Chunks land in the session state; Membership waits for them.
		if err := s.RequestGuildMembers(g.ID, "", 0, "", false); err != nil {
			a.log.Warn("member chunk request failed", logx.String("community", g.ID), logx.Err(err))
		}
	}
	a.sendUpdate(Update{Kind: UpdateCommunityJoin, CommunityID: g.ID})
}

func (a *Adapter) onGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Guild == nil || g.Unavailable {
		// Outage, not a leave.
		return
	}
	prefix := g.ID + ":"
	for _, k := range a.presence.Keys() {
		if strings.HasPrefix(k, prefix) {
			a.presence.Remove(k)
		}
	}
	a.sendUpdate(Update{Kind: UpdateCommunityLeave, CommunityID: g.ID})
}

func (a *Adapter) onGuildMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member != nil && m.User != nil {
		a.agents.Set(m.User.ID, m.User.Bot)
	}
}

func (a *Adapter) onPresenceUpdate(s *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p.User == nil || p.GuildID == "" {
		return
	}
	key := presenceKey(p.GuildID, p.User.ID)
	next := tracker.ParseStatus(string(p.Status))
	prev, ok := a.presence.Get(key)
	a.presence.Set(key, next)
	if !ok {
		prev = tracker.StatusOffline
	}

	member := a.stateMember(s, p.GuildID, p.User)
	if !member.IsAgent {
		return
	}
	ev := tracker.Event{
		CommunityID: p.GuildID,
		AgentID:     p.User.ID,
		AgentName:   member.Name,
		Old:         prev,
		New:         next,
	}
	if m, err := s.State.Member(p.GuildID, p.User.ID); err == nil && m.User != nil {
		ev.AvatarURL = m.User.AvatarURL("128")
	}
	a.sendUpdate(Update{Kind: UpdatePresence, Presence: &ev})
}

// stateMember resolves a member from caches only. Presence payloads often
// carry a bare user id.
func (a *Adapter) stateMember(s *discordgo.Session, guildID string, u *discordgo.User) transport.Member {
	out := transport.Member{ID: u.ID, Name: u.Username, IsAgent: u.Bot}
	if m, err := s.State.Member(guildID, u.ID); err == nil && m.User != nil {
		out = toMember(m)
		a.agents.Set(u.ID, m.User.Bot)
		return out
	}
	if bot, ok := a.agents.Get(u.ID); ok {
		out.IsAgent = bot
	}
	return out
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	msg := &transport.Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		CommunityID: m.GuildID,
		AuthorID:    m.Author.ID,
		Text:        m.Content,
	}
	if m.GuildID != "" {
		msg.CanManage = canManage(s, m.Author.ID, m.ChannelID)
	}
	a.sendUpdate(Update{Kind: UpdateMessage, Message: msg, CommunityID: m.GuildID})
}

func canManage(s *discordgo.Session, userID, channelID string) bool {
	perms, err := s.State.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false
	}
	return perms&discordgo.PermissionAdministrator != 0 || perms&discordgo.PermissionManageServer != 0
}

func toMember(m *discordgo.Member) transport.Member {
	name := m.Nick
	if name == "" {
		name = m.User.Username
	}
	return transport.Member{ID: m.User.ID, Name: name, IsAgent: m.User.Bot}
}
