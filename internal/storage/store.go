package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botwatch/internal/eventbus"
	"botwatch/internal/runtime/supervisor"
	logx "botwatch/pkg/logx"
)

// maxConflictRetries bounds read-modify-write retries on a version mismatch.
const maxConflictRetries = 3

type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnected
	stateClosed
)

func (c connState) String() string {
	switch c {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnected:
		return "disconnected"
	default:
		return "closed"
	}
}

// Store owns the process-wide backend connection. Consumers go through its
// methods, which look up the live backend per call, so a reconnect is visible
// to everyone immediately.
type Store struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	dial Dialer
	sup  *supervisor.Supervisor

	mu          sync.RWMutex
	be          Backend
	state       connState
	ready       chan struct{} // closed while connected or closed
	readyClosed bool

	reconnecting atomic.Bool
}

type Option func(*Store)

// WithDialer replaces the driver switch. Tests use it to inject fake backends.
func WithDialer(d Dialer) Option {
	return func(s *Store) {
		if d != nil {
			s.dial = d
		}
	}
}

// Open connects to the configured backend and binds the schema.
//
// A connection-level failure on the first dial is not fatal: the store keeps
// retrying in the background and operations wait (up to their timeout) for
// the connection. Configuration errors are returned immediately.
func Open(ctx context.Context, cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}

	s := &Store{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		dial:  dialDriver,
		ready: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))

	ch, unsub := bus.Subscribe(64, "store.")
	s.sup.Go0("storage.signals", func(ctx context.Context) { s.logSignals(ctx, ch, unsub) })

	s.emit(EventConnecting, Signal{})
	be, err := s.dialAndBind(ctx)
	switch {
	case err == nil:
		s.install(be)
		s.emit(EventConnected, Signal{})
	case isConnectionError(err) || errors.Is(err, ErrTimeout):
		s.scheduleReconnect(nil, err)
	default:
		_ = s.sup.Stop(context.Background())
		return nil, wrap("open", err)
	}

	if s.cfg.HeartbeatInterval > 0 {
		s.sup.Go0("storage.heartbeat", s.heartbeat)
	}
	return s, nil
}

// State reports the connection state ("connecting", "connected", "disconnected", "closed").
func (s *Store) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.String()
}

// Ready blocks until the store is connected or ctx is done.
func (s *Store) Ready(ctx context.Context) error {
	_, err := s.backend(ctx)
	return err
}

// Close stops supervision and closes the backend. Safe to call more than once.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	be := s.be
	s.be = nil
	s.openGate()
	s.mu.Unlock()

	err := s.sup.Stop(ctx)
	if be != nil {
		if cerr := be.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// backend is the accessor every operation goes through.
func (s *Store) backend(ctx context.Context) (Backend, error) {
	for {
		s.mu.RLock()
		be, st, ready := s.be, s.state, s.ready
		s.mu.RUnlock()

		switch {
		case st == stateClosed:
			return nil, ErrClosed
		case st == stateConnected && be != nil:
			return be, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctxErr(ctx)
		case <-ready:
		}
	}
}

// openGate must be called with mu held.
func (s *Store) openGate() {
	if !s.readyClosed {
		close(s.ready)
		s.readyClosed = true
	}
}

func (s *Store) install(be Backend) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return false
	}
	s.be = be
	s.state = stateConnected
	s.openGate()
	return true
}

func (s *Store) dialAndBind(ctx context.Context) (Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	be, err := await(ctx, func(ctx context.Context) (Backend, error) {
		return s.dial(ctx, s.cfg, s.log)
	})
	if err != nil {
		return nil, err
	}
	if _, err := await(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, be.Bind(ctx)
	}); err != nil {
		_ = be.Close()
		return nil, err
	}
	return be, nil
}

// scheduleReconnect tears down failed (the handle that produced cause) and
// starts the reconnect loop. Reports from stale handles are ignored.
func (s *Store) scheduleReconnect(failed Backend, cause error) {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if s.state == stateClosed || (failed != nil && s.be != failed) {
		s.mu.Unlock()
		s.reconnecting.Store(false)
		return
	}
	stale := s.be
	s.be = nil
	s.state = stateDisconnected
	if s.readyClosed {
		s.ready = make(chan struct{})
		s.readyClosed = false
	}
	s.mu.Unlock()

	s.emit(EventError, Signal{Err: cause, Description: "store connection error"})
	s.emit(EventDisconnected, Signal{})

	s.sup.Go("storage.reconnect", func(ctx context.Context) error {
		defer s.reconnecting.Store(false)
		if stale != nil {
			_ = stale.Close()
		}
		return s.reconnect(ctx)
	})
}

func (s *Store) reconnect(ctx context.Context) error {
	for attempt := 1; s.cfg.RetryAttempts <= 0 || attempt <= s.cfg.RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RetryDelay):
		}

		s.emit(EventConnecting, Signal{Count: attempt})
		be, err := s.dialAndBind(ctx)
		if err != nil {
			s.emit(EventError, Signal{Err: err, Count: attempt, Description: "store reconnect failed"})
			continue
		}
		if !s.install(be) {
			_ = be.Close()
			return nil
		}
		s.emit(EventReconnected, Signal{Count: attempt})
		return nil
	}
	err := fmt.Errorf("reconnect gave up after %d attempts", s.cfg.RetryAttempts)
	s.emit(EventError, Signal{Err: err, Description: "store reconnect exhausted"})
	return err
}

// heartbeat pings the live backend and restarts reconnection after an
// exhausted retry burst.
func (s *Store) heartbeat(ctx context.Context) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		s.mu.RLock()
		be, st := s.be, s.state
		s.mu.RUnlock()

		switch st {
		case stateConnected:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
			_, err := await(pctx, func(ctx context.Context) (struct{}, error) { return struct{}{}, be.Ping(ctx) })
			cancel()
			if err != nil && ctx.Err() == nil && (isConnectionError(err) || errors.Is(err, ErrTimeout)) {
				s.scheduleReconnect(be, err)
			}
		case stateDisconnected:
			if !s.reconnecting.Load() {
				s.scheduleReconnect(nil, errors.New("store unavailable"))
			}
		}
	}
}

// call runs one backend operation under the store's timeout.
func call[T any](s *Store, ctx context.Context, op string, fn func(ctx context.Context, be Backend) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	var zero T
	be, err := s.backend(ctx)
	if err != nil {
		return zero, wrap(op, err)
	}
	v, err := await(ctx, func(ctx context.Context) (T, error) { return fn(ctx, be) })
	if err != nil {
		if isConnectionError(err) {
			s.scheduleReconnect(be, err)
		}
		return zero, wrap(op, err)
	}
	return v, nil
}

func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context, be Backend) error) error {
	_, err := call(s, ctx, op, func(ctx context.Context, be Backend) (struct{}, error) {
		return struct{}{}, fn(ctx, be)
	})
	return err
}

// mutate is a versioned read-modify-write of one record's agent list.
func (s *Store) mutate(ctx context.Context, op, id string, fn func(rec *CommunityRecord) error) error {
	for attempt := 0; ; attempt++ {
		err := s.do(ctx, op, func(ctx context.Context, be Backend) error {
			rec, err := be.Get(ctx, id)
			if err != nil {
				return err
			}
			if rec == nil {
				return ErrCommunityNotFound
			}
			if err := fn(rec); err != nil {
				return err
			}
			return be.SaveAgents(ctx, AgentsUpdate{CommunityID: id, Agents: rec.TrackedAgents, Version: rec.Version})
		})
		if errors.Is(err, ErrConflict) && attempt < maxConflictRetries {
			s.log.Debug("retrying after version conflict", logx.String("op", op), logx.String("community", id), logx.Int("attempt", attempt+1))
			continue
		}
		return err
	}
}

// GetCommunity returns the record for id, or nil if none exists.
func (s *Store) GetCommunity(ctx context.Context, id string) (*CommunityRecord, error) {
	return call(s, ctx, "get_community", func(ctx context.Context, be Backend) (*CommunityRecord, error) {
		return be.Get(ctx, id)
	})
}

// CreateCommunity creates an empty record. An existing record is not an error.
func (s *Store) CreateCommunity(ctx context.Context, id string) error {
	err := s.do(ctx, "create_community", func(ctx context.Context, be Backend) error {
		return be.Insert(ctx, id)
	})
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	s.emit(EventCommunityCreate, Signal{CommunityID: id})
	return nil
}

func (s *Store) DeleteCommunity(ctx context.Context, id string) error {
	removed, err := call(s, ctx, "delete_community", func(ctx context.Context, be Backend) (bool, error) {
		return be.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	if removed {
		s.emit(EventCommunityRemove, Signal{CommunityID: id})
	}
	return nil
}

// SetBroadcastChannel sets (or with an empty channelID, clears) the output
// channel, creating the record when missing.
func (s *Store) SetBroadcastChannel(ctx context.Context, communityID, channelID string) error {
	if err := s.do(ctx, "set_broadcast_channel", func(ctx context.Context, be Backend) error {
		return be.UpsertBroadcastChannel(ctx, communityID, channelID)
	}); err != nil {
		return err
	}
	s.emit(EventChannelUpdate, Signal{CommunityID: communityID, ChannelID: channelID})
	return nil
}

func (s *Store) AddTrackedAgent(ctx context.Context, communityID, agentID string) error {
	if err := s.mutate(ctx, "add_tracked_agent", communityID, func(rec *CommunityRecord) error {
		if rec.IsTracked(agentID) {
			return ErrAgentAlreadyTracked
		}
		rec.TrackedAgents = append(rec.TrackedAgents, TrackedAgent{ID: agentID})
		return nil
	}); err != nil {
		return err
	}
	s.emit(EventAgentAdd, Signal{CommunityID: communityID, AgentID: agentID})
	return nil
}

func (s *Store) RemoveTrackedAgent(ctx context.Context, communityID, agentID string) error {
	if err := s.mutate(ctx, "remove_tracked_agent", communityID, func(rec *CommunityRecord) error {
		out := rec.TrackedAgents[:0]
		for _, a := range rec.TrackedAgents {
			if a.ID != agentID {
				out = append(out, a)
			}
		}
		if len(out) == len(rec.TrackedAgents) {
			return ErrAgentNotTracked
		}
		rec.TrackedAgents = out
		return nil
	}); err != nil {
		return err
	}
	s.emit(EventAgentRemove, Signal{CommunityID: communityID, AgentID: agentID})
	return nil
}

// SetLastOnline records when the agent went offline (nil when it is back).
// An agent missing from the record is an inconsistency and is not created.
func (s *Store) SetLastOnline(ctx context.Context, communityID, agentID string, at *time.Time) error {
	if err := s.mutate(ctx, "set_last_online", communityID, func(rec *CommunityRecord) error {
		for i := range rec.TrackedAgents {
			if rec.TrackedAgents[i].ID == agentID {
				if at == nil {
					rec.TrackedAgents[i].LastOnline = nil
				} else {
					t := *at
					rec.TrackedAgents[i].LastOnline = &t
				}
				return nil
			}
		}
		return ErrAgentNotTracked
	}); err != nil {
		return err
	}
	s.emit(EventAgentUpdate, Signal{CommunityID: communityID, AgentID: agentID})
	return nil
}

// ReconcileCommunities deletes every record whose id is not in liveIDs and
// returns how many were deleted.
func (s *Store) ReconcileCommunities(ctx context.Context, liveIDs map[string]struct{}) (int, error) {
	removed, err := call(s, ctx, "reconcile_communities", func(ctx context.Context, be Backend) ([]string, error) {
		return be.DeleteExcept(ctx, liveIDs)
	})
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		s.emit(EventCommunityCleanup, Signal{Count: len(removed), Description: strings.Join(removed, ",")})
	}
	return len(removed), nil
}

// ReconcileTrackedAgents drops tracked agents that are no longer members of
// their community. Communities missing from membership are left alone.
// It returns the number of records updated.
func (s *Store) ReconcileTrackedAgents(ctx context.Context, membership map[string]map[string]struct{}) (int, error) {
	records, err := call(s, ctx, "list_tracked", func(ctx context.Context, be Backend) ([]CommunityRecord, error) {
		return be.ListTracked(ctx)
	})
	if err != nil {
		return 0, err
	}

	var updates []AgentsUpdate
	for _, rec := range records {
		members, ok := membership[rec.ID]
		if !ok {
			continue
		}
		kept := make([]TrackedAgent, 0, len(rec.TrackedAgents))
		for _, a := range rec.TrackedAgents {
			if _, present := members[a.ID]; present {
				kept = append(kept, a)
			}
		}
		if len(kept) != len(rec.TrackedAgents) {
			updates = append(updates, AgentsUpdate{CommunityID: rec.ID, Agents: kept, Version: rec.Version})
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}

	n, err := call(s, ctx, "reconcile_tracked_agents", func(ctx context.Context, be Backend) (int, error) {
		return be.BulkSaveAgents(ctx, updates)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.emit(EventAgentCleanup, Signal{Count: n})
	}
	return n, nil
}
