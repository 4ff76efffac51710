package storage

import (
	"context"

	"botwatch/internal/eventbus"
	logx "botwatch/pkg/logx"
)

// Event types published by the store. Connection lifecycle first, then
// per-entity changes.
const (
	EventConnecting   = "store.connecting"
	EventConnected    = "store.connected"
	EventDisconnected = "store.disconnected"
	EventReconnected  = "store.reconnected"
	EventError        = "store.error"

	EventCommunityCreate  = "store.community.create"
	EventCommunityRemove  = "store.community.remove"
	EventCommunityCleanup = "store.community.cleanup"
	EventAgentAdd         = "store.agent.add"
	EventAgentRemove      = "store.agent.remove"
	EventAgentUpdate      = "store.agent.update"
	EventAgentCleanup     = "store.agent.cleanup"
	EventChannelUpdate    = "store.channel.update"
)

// Signal is the payload of every store event.
type Signal struct {
	CommunityID string
	AgentID     string
	ChannelID   string
	Count       int
	Err         error
	Description string
}

func (s *Store) emit(typ string, sig Signal) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: sig})
}

// logSignals mirrors store events into the log until ctx is done.
func (s *Store) logSignals(ctx context.Context, ch <-chan eventbus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			sig, _ := e.Data.(Signal)
			logSignal(s.log, e.Type, sig)
		}
	}
}

func logSignal(log logx.Logger, typ string, sig Signal) {
	switch typ {
	case EventConnecting:
		log.Info("connecting to store")
	case EventConnected:
		log.Info("connected to store")
	case EventReconnected:
		log.Info("reconnected to store")
	case EventDisconnected:
		log.Warn("disconnected from store")
	case EventError:
		log.Error(sig.Description, logx.Err(sig.Err))
	case EventCommunityCreate:
		log.Info("created community record", logx.String("community", sig.CommunityID))
	case EventCommunityRemove:
		log.Info("deleted community record", logx.String("community", sig.CommunityID))
	case EventCommunityCleanup:
		log.Warn("cleaned up community records", logx.Int("count", sig.Count))
	case EventAgentAdd:
		log.Info("added tracked agent", logx.String("community", sig.CommunityID), logx.String("agent", sig.AgentID))
	case EventAgentRemove:
		log.Info("removed tracked agent", logx.String("community", sig.CommunityID), logx.String("agent", sig.AgentID))
	case EventAgentUpdate:
		log.Debug("updated last online", logx.String("community", sig.CommunityID), logx.String("agent", sig.AgentID))
	case EventAgentCleanup:
		log.Warn("cleaned up tracked agents", logx.Int("count", sig.Count))
	case EventChannelUpdate:
		log.Info("updated broadcast channel", logx.String("community", sig.CommunityID), logx.String("channel", sig.ChannelID))
	}
}
