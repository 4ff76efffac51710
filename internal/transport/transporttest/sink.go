// Package transporttest provides an in-memory transport.Sink for tests.
package transporttest

import (
	"context"
	"strconv"
	"sync"

	"botwatch/internal/transport"
)

// Sent is one recorded send or edit.
type Sent struct {
	Ref     transport.MessageRef
	Content transport.Content
	Edit    bool
}

// Sink records every message. Channels must be added before they resolve.
type Sink struct {
	mu       sync.Mutex
	channels map[string]transport.Channel
	messages map[transport.MessageRef]transport.Content
	log      []Sent
	seq      int

	// Optional failure injection.
	SendErr error
	EditErr error
	OnSend  func(channelID string)
	OnEdit  func(ref transport.MessageRef)
}

func NewSink(channelIDs ...string) *Sink {
	s := &Sink{
		channels: map[string]transport.Channel{},
		messages: map[transport.MessageRef]transport.Content{},
	}
	for _, id := range channelIDs {
		s.AddChannel(transport.Channel{ID: id})
	}
	return s
}

func (s *Sink) AddChannel(ch transport.Channel) {
	s.mu.Lock()
	s.channels[ch.ID] = ch
	s.mu.Unlock()
}

// DeleteMessage simulates a message removed by a moderator.
func (s *Sink) DeleteMessage(ref transport.MessageRef) {
	s.mu.Lock()
	delete(s.messages, ref)
	s.mu.Unlock()
}

func (s *Sink) ResolveChannel(_ context.Context, id string) (transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return transport.Channel{}, transport.ErrUnknownChannel
	}
	return ch, nil
}

func (s *Sink) SendMessage(_ context.Context, channelID string, c transport.Content) (transport.MessageRef, error) {
	if s.OnSend != nil {
		s.OnSend(channelID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return transport.MessageRef{}, s.SendErr
	}
	if _, ok := s.channels[channelID]; !ok {
		return transport.MessageRef{}, transport.ErrUnknownChannel
	}
	s.seq++
	ref := transport.MessageRef{ChannelID: channelID, MessageID: "m" + strconv.Itoa(s.seq)}
	s.messages[ref] = c
	s.log = append(s.log, Sent{Ref: ref, Content: c})
	return ref, nil
}

func (s *Sink) EditMessage(_ context.Context, ref transport.MessageRef, c transport.Content) error {
	if s.OnEdit != nil {
		s.OnEdit(ref)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EditErr != nil {
		return s.EditErr
	}
	if _, ok := s.messages[ref]; !ok {
		return transport.ErrUnknownMessage
	}
	s.messages[ref] = c
	s.log = append(s.log, Sent{Ref: ref, Content: c, Edit: true})
	return nil
}

func (s *Sink) FetchMessage(_ context.Context, ref transport.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[ref]; !ok {
		return transport.ErrUnknownMessage
	}
	return nil
}

// Sends returns new messages in order (edits excluded).
func (s *Sink) Sends() []Sent {
	return s.filter(false)
}

// Edits returns recorded edits in order.
func (s *Sink) Edits() []Sent {
	return s.filter(true)
}

func (s *Sink) filter(edit bool) []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sent
	for _, m := range s.log {
		if m.Edit == edit {
			out = append(out, m)
		}
	}
	return out
}
