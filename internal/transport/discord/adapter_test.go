package discord

import (
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botwatch/internal/tracker"
	"botwatch/internal/transport"
	logx "botwatch/pkg/logx"
)

func newOffline(t *testing.T) (*Adapter, chan Update) {
	t.Helper()
	a, err := New(Config{Token: "test-token"}, logx.Nop())
	require.NoError(t, err)
	ch := make(chan Update, 16)
	a.out.Store((chan<- Update)(ch))

	require.NoError(t, a.s.State.GuildAdd(&discordgo.Guild{ID: "g", MemberCount: 2}))
	require.NoError(t, a.s.State.MemberAdd(&discordgo.Member{GuildID: "g", Nick: "Music", User: &discordgo.User{ID: "bot", Username: "musicbot", Bot: true}}))
	require.NoError(t, a.s.State.MemberAdd(&discordgo.Member{GuildID: "g", User: &discordgo.User{ID: "human", Username: "alice"}}))
	return a, ch
}

func presence(guild, user string, st discordgo.Status) *discordgo.PresenceUpdate {
	return &discordgo.PresenceUpdate{GuildID: guild, Presence: discordgo.Presence{User: &discordgo.User{ID: user}, Status: st}}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)
}

func TestPresenceTransitionsUseCachedPreviousStatus(t *testing.T) {
	a, ch := newOffline(t)

	a.onPresenceUpdate(a.s, presence("g", "bot", discordgo.StatusOnline))
	a.onPresenceUpdate(a.s, presence("g", "bot", discordgo.StatusOffline))
	a.onPresenceUpdate(a.s, presence("g", "human", discordgo.StatusOffline))

	first := <-ch
	require.Equal(t, UpdatePresence, first.Kind)
	assert.Equal(t, tracker.StatusOffline, first.Presence.Old, "unknown previous status reads as offline")
	assert.Equal(t, tracker.StatusOnline, first.Presence.New)
	assert.Equal(t, "Music", first.Presence.AgentName)

	second := <-ch
	assert.Equal(t, tracker.StatusOnline, second.Presence.Old)
	assert.Equal(t, tracker.StatusOffline, second.Presence.New)

	select {
	case u := <-ch:
		t.Fatalf("human presence forwarded: %+v", u)
	default:
	}
}

func TestGuildLifecycleUpdates(t *testing.T) {
	a, ch := newOffline(t)

	a.onGuildDelete(a.s, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g", Unavailable: true}})
	a.onGuildDelete(a.s, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g"}})

	u := <-ch
	assert.Equal(t, UpdateCommunityLeave, u.Kind)
	assert.Equal(t, "g", u.CommunityID)
	assert.Empty(t, ch, "an outage is not a leave")
}

func TestMembershipSkipsPartialCaches(t *testing.T) {
	a, _ := newOffline(t)
	require.NoError(t, a.s.State.GuildAdd(&discordgo.Guild{ID: "big", MemberCount: 5000}))

	got := a.Membership()
	assert.Equal(t, map[string]map[string]struct{}{
		"g": {"bot": {}, "human": {}},
	}, got)
	assert.ElementsMatch(t, []string{"g", "big"}, a.Communities())
}

func TestMessagesFromBotsAreIgnored(t *testing.T) {
	a, ch := newOffline(t)
	a.onMessageCreate(a.s, &discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", Author: &discordgo.User{ID: "bot", Bot: true}, Content: "!help"}})
	a.onMessageCreate(a.s, &discordgo.MessageCreate{Message: &discordgo.Message{ID: "2", ChannelID: "c", Author: &discordgo.User{ID: "human"}, Content: "!help"}})

	u := <-ch
	require.Equal(t, UpdateMessage, u.Kind)
	assert.Equal(t, "2", u.Message.ID)
	assert.Equal(t, "!help", u.Message.Text)
	assert.Empty(t, ch)
}

func TestToEmbed(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := toEmbed(&transport.Card{
		Title:     "t",
		Color:     transport.ColorError,
		Fields:    []transport.Field{{Name: "a", Value: "b", Inline: true}},
		Footer:    "f",
		Timestamp: at,
	})
	assert.Equal(t, 0xff0000, e.Color)
	assert.Equal(t, "2024-05-01T12:00:00Z", e.Timestamp)
	require.Len(t, e.Fields, 1)
	assert.True(t, e.Fields[0].Inline)
	assert.Equal(t, "f", e.Footer.Text)
	assert.Nil(t, e.Thumbnail)
}

func TestMapErr(t *testing.T) {
	rest := func(code int) error {
		return &discordgo.RESTError{
			Response: &http.Response{Status: "404 Not Found", StatusCode: http.StatusNotFound},
			Message:  &discordgo.APIErrorMessage{Code: code},
		}
	}
	assert.ErrorIs(t, mapErr(rest(discordgo.ErrCodeUnknownMessage)), transport.ErrUnknownMessage)
	assert.ErrorIs(t, mapErr(rest(discordgo.ErrCodeUnknownChannel)), transport.ErrUnknownChannel)
	assert.ErrorIs(t, mapErr(rest(discordgo.ErrCodeUnknownMember)), transport.ErrUnknownMember)
	assert.NoError(t, mapErr(nil))
}

func TestActivityType(t *testing.T) {
	assert.Equal(t, discordgo.ActivityTypeWatching, activityType("Watching"))
	assert.Equal(t, discordgo.ActivityTypeGame, activityType("unknown"))
}
