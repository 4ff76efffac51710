// Package gateway validates tracking-state changes before they reach the
// store. Every admin surface (chat commands, CLI) goes through it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botwatch/internal/storage"
	"botwatch/internal/transport"
	logx "botwatch/pkg/logx"
)

var (
	ErrNotAgent           = errors.New("member is not an agent")
	ErrAlreadyTracked     = errors.New("agent is already tracked")
	ErrNotTracked         = errors.New("agent is not tracked")
	ErrNoBroadcastChannel = errors.New("no broadcast channel configured")
	ErrForeignChannel     = errors.New("channel belongs to another community")
)

// IsValidation reports whether err is a rejected request rather than a fault.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrNotAgent),
		errors.Is(err, ErrAlreadyTracked),
		errors.Is(err, ErrNotTracked),
		errors.Is(err, ErrNoBroadcastChannel),
		errors.Is(err, ErrForeignChannel),
		errors.Is(err, transport.ErrUnknownMember),
		errors.Is(err, transport.ErrUnknownChannel):
		return true
	}
	return storage.KindOf(err) == storage.KindValidation
}

// Store is the subset of storage.Store the gateway writes through.
type Store interface {
	GetCommunity(ctx context.Context, id string) (*storage.CommunityRecord, error)
	CreateCommunity(ctx context.Context, id string) error
	SetBroadcastChannel(ctx context.Context, communityID, channelID string) error
	AddTrackedAgent(ctx context.Context, communityID, agentID string) error
	RemoveTrackedAgent(ctx context.Context, communityID, agentID string) error
}

// Entry is one row of List.
type Entry struct {
	ID         string
	Name       string // empty when the member is no longer resolvable
	LastOnline *time.Time
}

// Listing is the tracking state of one community.
type Listing struct {
	CommunityID      string
	BroadcastChannel string
	Agents           []Entry
}

type Gateway struct {
	store Store
	dir   transport.Directory
	sink  transport.Sink
	log   logx.Logger
}

// New returns a gateway. dir and sink may be nil; lookups they would serve
// are then skipped.
func New(store Store, dir transport.Directory, sink transport.Sink, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{store: store, dir: dir, sink: sink, log: log}
}

func (g *Gateway) record(ctx context.Context, communityID string) (*storage.CommunityRecord, error) {
	if g.store == nil {
		return nil, storage.ErrDisabled
	}
	return g.store.GetCommunity(ctx, communityID)
}

func (g *Gateway) member(ctx context.Context, communityID, agentID string) (transport.Member, error) {
	if g.dir == nil {
		return transport.Member{ID: agentID, IsAgent: true}, nil
	}
	return g.dir.Member(ctx, communityID, agentID)
}

// Add starts tracking agentID. The community must have a broadcast channel
// and the target must be an agent.
func (g *Gateway) Add(ctx context.Context, communityID, agentID string) (transport.Member, error) {
	agentID = strings.TrimSpace(agentID)
	rec, err := g.record(ctx, communityID)
	if err != nil {
		return transport.Member{}, err
	}
	if rec == nil || rec.BroadcastChannel == "" {
		return transport.Member{}, ErrNoBroadcastChannel
	}

	m, err := g.member(ctx, communityID, agentID)
	if err != nil {
		return transport.Member{}, err
	}
	if !m.IsAgent {
		return m, ErrNotAgent
	}
	if rec.IsTracked(agentID) {
		return m, ErrAlreadyTracked
	}

	if err := g.store.AddTrackedAgent(ctx, communityID, agentID); err != nil {
		if errors.Is(err, storage.ErrAgentAlreadyTracked) {
			return m, ErrAlreadyTracked
		}
		return m, err
	}
	g.log.Info("agent tracked", logx.String("community", communityID), logx.String("agent", agentID))
	return m, nil
}

// Remove stops tracking agentID. A member that already left can still be
// removed; one that resolves must be an agent.
func (g *Gateway) Remove(ctx context.Context, communityID, agentID string) error {
	agentID = strings.TrimSpace(agentID)
	rec, err := g.record(ctx, communityID)
	if err != nil {
		return err
	}

	if g.dir != nil {
		m, err := g.dir.Member(ctx, communityID, agentID)
		switch {
		case errors.Is(err, transport.ErrUnknownMember):
		case err != nil:
			return err
		case !m.IsAgent:
			return ErrNotAgent
		}
	}
	if !rec.IsTracked(agentID) {
		return ErrNotTracked
	}

	if err := g.store.RemoveTrackedAgent(ctx, communityID, agentID); err != nil {
		if errors.Is(err, storage.ErrAgentNotTracked) || errors.Is(err, storage.ErrCommunityNotFound) {
			return ErrNotTracked
		}
		return err
	}
	g.log.Info("agent untracked", logx.String("community", communityID), logx.String("agent", agentID))
	return nil
}

// List returns the tracked agents in insertion order. A community with no
// record lists as empty.
func (g *Gateway) List(ctx context.Context, communityID string) (Listing, error) {
	rec, err := g.record(ctx, communityID)
	if err != nil {
		return Listing{}, err
	}
	out := Listing{CommunityID: communityID}
	if rec == nil {
		return out, nil
	}
	out.BroadcastChannel = rec.BroadcastChannel
	for _, a := range rec.TrackedAgents {
		e := Entry{ID: a.ID, LastOnline: a.LastOnline}
		if g.dir != nil {
			if m, err := g.dir.Member(ctx, communityID, a.ID); err == nil {
				e.Name = m.Name
			}
		}
		out.Agents = append(out.Agents, e)
	}
	return out, nil
}

// SetChannel points status updates for the community at channelID. The
// record is created when missing.
func (g *Gateway) SetChannel(ctx context.Context, communityID, channelID string) (transport.Channel, error) {
	if g.store == nil {
		return transport.Channel{}, storage.ErrDisabled
	}
	ch := transport.Channel{ID: strings.TrimSpace(channelID), CommunityID: communityID}
	if g.sink != nil {
		resolved, err := g.sink.ResolveChannel(ctx, ch.ID)
		if err != nil {
			return transport.Channel{}, err
		}
		if resolved.CommunityID != "" && resolved.CommunityID != communityID {
			return transport.Channel{}, ErrForeignChannel
		}
		ch = resolved
	}

	if err := g.store.CreateCommunity(ctx, communityID); err != nil {
		return transport.Channel{}, fmt.Errorf("create community: %w", err)
	}
	if err := g.store.SetBroadcastChannel(ctx, communityID, ch.ID); err != nil {
		return transport.Channel{}, err
	}
	g.log.Info("broadcast channel set", logx.String("community", communityID), logx.String("channel", ch.ID))
	return ch, nil
}
