package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"botwatch/internal/eventbus"
	"botwatch/internal/storage"
	"botwatch/internal/transport"
	logx "botwatch/pkg/logx"
)

// EventBroadcastError is published when a status update could not be
// persisted or delivered. Data is a BroadcastError.
const EventBroadcastError = "tracker.broadcast_error"

// EventBroadcastSent is published after a status update was delivered.
const EventBroadcastSent = "tracker.broadcast_sent"

// BroadcastError describes a failed status update.
type BroadcastError struct {
	CommunityID string
	AgentID     string
	Stage       string // "persist" or "send"
	Err         error
}

func (e BroadcastError) Error() string {
	return "broadcast " + e.Stage + " failed for " + e.AgentID + " in " + e.CommunityID + ": " + e.Err.Error()
}

type Config struct {
	// NotificationRoleID is mentioned on every status update when set.
	NotificationRoleID string
	// Reporter is the name shown in the update footer.
	Reporter string
}

// Store is the part of the durable store the tracker needs.
type Store interface {
	GetCommunity(ctx context.Context, id string) (*storage.CommunityRecord, error)
	SetLastOnline(ctx context.Context, communityID, agentID string, at *time.Time) error
}

// Publisher turns presence events into persisted state and status messages.
type Publisher struct {
	store Store
	sink  transport.Sink
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	cfg atomic.Pointer[Config]
}

func NewPublisher(cfg Config, store Store, sink transport.Sink, bus eventbus.Bus, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	p := &Publisher{store: store, sink: sink, bus: bus, log: log, now: time.Now}
	p.Apply(cfg)
	return p
}

// Apply swaps the rendering config. Safe to call while events are processed.
func (p *Publisher) Apply(cfg Config) {
	if cfg.Reporter == "" {
		cfg.Reporter = "botwatch"
	}
	p.cfg.Store(&cfg)
}

// Handle processes one presence event end to end. Errors never propagate back
// to the presence source; they are logged and published on the bus.
func (p *Publisher) Handle(ctx context.Context, ev Event) {
	rec, err := p.store.GetCommunity(ctx, ev.CommunityID)
	if err != nil {
		p.log.Error("failed to load community during presence update", logx.String("community", ev.CommunityID), logx.Err(err))
		return
	}
	if rec == nil {
		return
	}
	agent, ok := rec.Agent(ev.AgentID)
	if !ok {
		p.log.Debug("untracked agent, skipping status update", logx.String("community", ev.CommunityID), logx.String("agent", ev.AgentID))
		return
	}

	d := Detect(ev.Old, ev.New, agent.LastOnline, p.now())
	if d.Kind == None {
		return
	}
	_ = p.Publish(ctx, rec, ev, d)
}

// Publish delivers one decision. The new last-online value is persisted
// before anything is sent.
func (p *Publisher) Publish(ctx context.Context, rec *storage.CommunityRecord, ev Event, d Decision) error {
	if d.Kind == None || rec == nil {
		return nil
	}
	if rec.BroadcastChannel == "" {
		p.log.Debug("no broadcast channel configured", logx.String("community", rec.ID))
		return nil
	}
	ch, err := p.sink.ResolveChannel(ctx, rec.BroadcastChannel)
	if err != nil {
		p.log.Debug("broadcast channel unavailable, dropping update", logx.String("community", rec.ID), logx.String("channel", rec.BroadcastChannel), logx.Err(err))
		return nil
	}

	if err := p.store.SetLastOnline(ctx, rec.ID, ev.AgentID, d.NewLastOnline); err != nil {
		return p.fail(rec.ID, ev.AgentID, "persist", err)
	}

	if _, err := p.sink.SendMessage(ctx, ch.ID, render(ev, d, *p.cfg.Load())); err != nil {
		return p.fail(rec.ID, ev.AgentID, "send", err)
	}
	p.log.Info("status update sent", logx.String("community", rec.ID), logx.String("agent", ev.AgentID), logx.String("kind", d.Kind.String()))
	p.bus.Publish(eventbus.Event{Type: EventBroadcastSent, Data: ev})
	return nil
}

func (p *Publisher) fail(communityID, agentID, stage string, err error) error {
	be := BroadcastError{CommunityID: communityID, AgentID: agentID, Stage: stage, Err: err}
	// Validation failures are an inconsistency, not a fault of the process.
	if storage.KindOf(err) == storage.KindValidation {
		p.log.Warn("status update rejected", logx.String("community", communityID), logx.String("agent", agentID), logx.Err(err))
	} else if !errors.Is(err, context.Canceled) {
		p.log.Error("failed to broadcast status update", logx.String("community", communityID), logx.String("agent", agentID), logx.String("stage", stage), logx.Err(err))
	}
	p.bus.Publish(eventbus.Event{Type: EventBroadcastError, Data: be})
	return be
}
