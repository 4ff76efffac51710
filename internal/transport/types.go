package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownChannel means the channel does not exist or is not visible.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownMessage means the message was deleted or never existed.
	ErrUnknownMessage = errors.New("unknown message")
)

// Color is a 24-bit RGB accent.
type Color int

const (
	ColorPrimary Color = 0x5865F2
	ColorSuccess Color = 0x00ff00
	ColorError   Color = 0xff0000
	ColorWarning Color = 0xffcb5c
)

// Blank is the zero-width text used for spacer fields.
const Blank = "​"

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Card is a structured block rendered as an embed.
type Card struct {
	Title       string
	Description string
	Color       Color
	Fields      []Field
	Footer      string
	Thumbnail   string
	Timestamp   time.Time
}

// Content is what the core hands to a sink. Text carries mentions and plain
// content; Card is optional.
type Content struct {
	Text string
	Card *Card
}

type Channel struct {
	ID          string
	CommunityID string
	Name        string
}

type MessageRef struct {
	ChannelID string
	MessageID string
}

// Sink is an output-channel collaborator.
type Sink interface {
	// ResolveChannel fails with ErrUnknownChannel when id is not reachable.
	ResolveChannel(ctx context.Context, id string) (Channel, error)
	SendMessage(ctx context.Context, channelID string, c Content) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, c Content) error
	// FetchMessage fails with ErrUnknownMessage when the message is gone.
	FetchMessage(ctx context.Context, ref MessageRef) error
}

// Message is an inbound chat message addressed to the bot.
type Message struct {
	ID          string
	ChannelID   string
	CommunityID string // empty for direct messages
	AuthorID    string
	AuthorBot   bool
	Text        string
	// CanManage reports whether the author may change community settings.
	CanManage bool
}

// Member is a community member as seen by the chat platform.
type Member struct {
	ID      string
	Name    string
	IsAgent bool
}

// Directory looks up community members.
type Directory interface {
	// Member fails with ErrUnknownMember when userID is not in the community.
	Member(ctx context.Context, communityID, userID string) (Member, error)
}

var ErrUnknownMember = errors.New("unknown member")

func UserMention(id string) string    { return "<@" + id + ">" }
func RoleMention(id string) string    { return "<@&" + id + ">" }
func ChannelMention(id string) string { return "<#" + id + ">" }

// RelativeTime renders t as a client-localized "n minutes ago" marker.
func RelativeTime(t time.Time) string { return fmt.Sprintf("<t:%d:R>", t.Unix()) }
