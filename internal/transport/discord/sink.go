package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"botwatch/internal/transport"
)

var (
	_ transport.Sink      = (*Adapter)(nil)
	_ transport.Directory = (*Adapter)(nil)
)

func (a *Adapter) reqCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.RequestTimeout)
}

// ResolveChannel accepts guild text and announcement channels only.
func (a *Adapter) ResolveChannel(ctx context.Context, id string) (transport.Channel, error) {
	if id == "" {
		return transport.Channel{}, transport.ErrUnknownChannel
	}
	ch, err := a.s.State.Channel(id)
	if err != nil {
		ctx, cancel := a.reqCtx(ctx)
		defer cancel()
		ch, err = a.s.Channel(id, discordgo.WithContext(ctx))
		if err != nil {
			return transport.Channel{}, mapErr(err)
		}
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
	default:
		return transport.Channel{}, fmt.Errorf("%w: %s is not a text channel", transport.ErrUnknownChannel, id)
	}
	return transport.Channel{ID: ch.ID, CommunityID: ch.GuildID, Name: ch.Name}, nil
}

func (a *Adapter) SendMessage(ctx context.Context, channelID string, c transport.Content) (transport.MessageRef, error) {
	ctx, cancel := a.reqCtx(ctx)
	defer cancel()
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	send := &discordgo.MessageSend{
		Content: c.Text,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeRoles},
		},
	}
	if c.Card != nil {
		send.Embeds = []*discordgo.MessageEmbed{toEmbed(c.Card)}
	}
	m, err := a.s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return transport.MessageRef{}, mapErr(err)
	}
	return transport.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, ref transport.MessageRef, c transport.Content) error {
	ctx, cancel := a.reqCtx(ctx)
	defer cancel()
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	edit := discordgo.NewMessageEdit(ref.ChannelID, ref.MessageID).SetContent(c.Text)
	if c.Card != nil {
		edit.SetEmbeds([]*discordgo.MessageEmbed{toEmbed(c.Card)})
	}
	_, err := a.s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) FetchMessage(ctx context.Context, ref transport.MessageRef) error {
	ctx, cancel := a.reqCtx(ctx)
	defer cancel()
	_, err := a.s.ChannelMessage(ref.ChannelID, ref.MessageID, discordgo.WithContext(ctx))
	return mapErr(err)
}

// Member looks in the session state first and falls back to REST.
func (a *Adapter) Member(ctx context.Context, communityID, userID string) (transport.Member, error) {
	if m, err := a.s.State.Member(communityID, userID); err == nil && m.User != nil {
		return toMember(m), nil
	}
	ctx, cancel := a.reqCtx(ctx)
	defer cancel()
	m, err := a.s.GuildMember(communityID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return transport.Member{}, mapErr(err)
	}
	a.agents.Set(m.User.ID, m.User.Bot)
	return toMember(m), nil
}

func toEmbed(c *transport.Card) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       c.Title,
		Description: c.Description,
		Color:       int(c.Color),
	}
	for _, f := range c.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if c.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: c.Footer}
	}
	if c.Thumbnail != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: c.Thumbnail}
	}
	if !c.Timestamp.IsZero() {
		e.Timestamp = c.Timestamp.UTC().Format(time.RFC3339)
	}
	return e
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %v", transport.ErrUnknownChannel, err)
		case discordgo.ErrCodeUnknownMessage:
			return fmt.Errorf("%w: %v", transport.ErrUnknownMessage, err)
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return fmt.Errorf("%w: %v", transport.ErrUnknownMember, err)
		}
	}
	return err
}
