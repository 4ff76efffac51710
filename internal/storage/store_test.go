package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botwatch/internal/eventbus"
	logx "botwatch/pkg/logx"
)

func openMemory(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithDialer(NewMemoryDialer())}, opts...)
	s, err := Open(context.Background(), Config{Driver: "memory", HeartbeatInterval: -1}, logx.Nop(), eventbus.New(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func set(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestOpenDisabled(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop(), nil)
	require.ErrorIs(t, err, ErrDisabled)
}

func TestCreateCommunityIsIdempotent(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCommunity(ctx, "c1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a1"))
	require.NoError(t, s.CreateCommunity(ctx, "c1"))

	rec, err := s.GetCommunity(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsTracked("a1"), "duplicate create must not reset the record")
}

func TestGetCommunityMissingReturnsNil(t *testing.T) {
	s := openMemory(t)
	rec, err := s.GetCommunity(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTrackedAgentLifecycle(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	err := s.AddTrackedAgent(ctx, "c1", "a1")
	require.ErrorIs(t, err, ErrCommunityNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	require.NoError(t, s.CreateCommunity(ctx, "c1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a2"))

	err = s.AddTrackedAgent(ctx, "c1", "a1")
	require.ErrorIs(t, err, ErrAgentAlreadyTracked)
	assert.Equal(t, KindValidation, KindOf(err))

	require.NoError(t, s.RemoveTrackedAgent(ctx, "c1", "a1"))
	require.ErrorIs(t, s.RemoveTrackedAgent(ctx, "c1", "a1"), ErrAgentNotTracked)

	rec, err := s.GetCommunity(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rec.TrackedAgents, 1)
	assert.Equal(t, "a2", rec.TrackedAgents[0].ID)
}

func TestSetLastOnlineRequiresTrackedAgent(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCommunity(ctx, "c1"))

	now := time.Now()
	err := s.SetLastOnline(ctx, "c1", "ghost", &now)
	require.ErrorIs(t, err, ErrAgentNotTracked)
	assert.Equal(t, KindValidation, KindOf(err))

	rec, err := s.GetCommunity(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, rec.TrackedAgents, "missing agent must not be created")

	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a1"))
	require.NoError(t, s.SetLastOnline(ctx, "c1", "a1", &now))
	rec, _ = s.GetCommunity(ctx, "c1")
	a, _ := rec.Agent("a1")
	require.NotNil(t, a.LastOnline)
	assert.True(t, a.LastOnline.Equal(now))

	require.NoError(t, s.SetLastOnline(ctx, "c1", "a1", nil))
	rec, _ = s.GetCommunity(ctx, "c1")
	a, _ = rec.Agent("a1")
	assert.Nil(t, a.LastOnline)
}

func TestReconcileCommunitiesDeletesAbsent(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, s.CreateCommunity(ctx, id))
	}

	n, err := s.ReconcileCommunities(ctx, set("A", "C"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]bool{"A": true, "B": false, "C": true} {
		rec, err := s.GetCommunity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, rec != nil, id)
	}
}

func TestReconcileTrackedAgentsDropsDepartedMembers(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.CreateCommunity(ctx, id))
	}
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a2"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c2", "b1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c3", "x1"))

	n, err := s.ReconcileTrackedAgents(ctx, map[string]map[string]struct{}{
		"c1": set("a2"),
		"c2": set("b1"),
		// c3 unknown: left alone
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _ := s.GetCommunity(ctx, "c1")
	assert.False(t, rec.IsTracked("a1"))
	assert.True(t, rec.IsTracked("a2"))
	rec, _ = s.GetCommunity(ctx, "c3")
	assert.True(t, rec.IsTracked("x1"))
}

func TestStoreEmitsEntitySignals(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32, "store.agent.", "store.community.")
	defer unsub()

	s, err := Open(context.Background(), Config{Driver: "memory", HeartbeatInterval: -1}, logx.Nop(), bus, WithDialer(NewMemoryDialer()))
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, s.CreateCommunity(ctx, "c1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a1"))

	var got []string
	for len(got) < 2 {
		select {
		case e := <-ch:
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for signals, got %v", got)
		}
	}
	assert.Equal(t, []string{EventCommunityCreate, EventAgentAdd}, got)
}

// hangingBackend never answers Get until released.
type hangingBackend struct {
	Backend
	release chan struct{}
}

func (h *hangingBackend) Get(context.Context, string) (*CommunityRecord, error) {
	<-h.release
	return nil, nil
}

func TestOperationTimeoutIsDistinctFromNotFound(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mem := NewMemoryDialer()
	dial := func(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
		be, _ := mem(ctx, cfg, log)
		return &hangingBackend{Backend: be, release: release}, nil
	}

	const timeout = 50 * time.Millisecond
	s, err := Open(context.Background(), Config{Driver: "memory", OpTimeout: timeout, HeartbeatInterval: -1}, logx.Nop(), nil, WithDialer(dial))
	require.NoError(t, err)
	defer s.Close(context.Background())

	start := time.Now()
	rec, err := s.GetCommunity(context.Background(), "c1")
	elapsed := time.Since(start)

	assert.Nil(t, rec)
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrCommunityNotFound)
	assert.Equal(t, KindConnectivity, KindOf(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

// droppingBackend fails its first Get with a connection error.
type droppingBackend struct {
	Backend
	dropped *atomic.Bool
}

func (d *droppingBackend) Get(ctx context.Context, id string) (*CommunityRecord, error) {
	if d.dropped.CompareAndSwap(false, true) {
		return nil, ConnectionError(errors.New("connection reset"))
	}
	return d.Backend.Get(ctx, id)
}

func TestReconnectAfterConnectionError(t *testing.T) {
	var (
		dials   atomic.Int32
		dropped atomic.Bool
	)
	mem := NewMemoryDialer()
	dial := func(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
		dials.Add(1)
		be, _ := mem(ctx, cfg, log)
		return &droppingBackend{Backend: be, dropped: &dropped}, nil
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, EventReconnected)
	defer unsub()

	cfg := Config{Driver: "memory", RetryDelay: 10 * time.Millisecond, HeartbeatInterval: -1}
	s, err := Open(context.Background(), cfg, logx.Nop(), bus, WithDialer(dial))
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, s.CreateCommunity(ctx, "c1"))

	_, err = s.GetCommunity(ctx, "c1")
	require.Error(t, err)
	assert.Equal(t, KindConnectivity, KindOf(err))

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("store did not reconnect")
	}
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, "connected", s.State())

	rec, err := s.GetCommunity(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec, "data must survive the reconnect")
}

func TestOpenRetriesUnreachableBackend(t *testing.T) {
	var dials atomic.Int32
	mem := NewMemoryDialer()
	dial := func(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
		if dials.Add(1) < 3 {
			return nil, ConnectionError(errors.New("connection refused"))
		}
		return mem(ctx, cfg, log)
	}

	cfg := Config{Driver: "memory", RetryDelay: 10 * time.Millisecond, HeartbeatInterval: -1}
	s, err := Open(context.Background(), cfg, logx.Nop(), nil, WithDialer(dial))
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Ready(ctx))
	assert.Equal(t, int32(3), dials.Load())
}

func TestOpenFailsOnConfigError(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres"}, logx.Nop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

// conflictingBackend reports a version conflict for the first n saves.
type conflictingBackend struct {
	Backend
	mu sync.Mutex
	n  int
}

func (c *conflictingBackend) SaveAgents(ctx context.Context, u AgentsUpdate) error {
	c.mu.Lock()
	if c.n > 0 {
		c.n--
		c.mu.Unlock()
		return ErrConflict
	}
	c.mu.Unlock()
	return c.Backend.SaveAgents(ctx, u)
}

func TestMutateRetriesConflicts(t *testing.T) {
	for _, tc := range []struct {
		name      string
		conflicts int
		wantErr   error
	}{
		{name: "recovers", conflicts: maxConflictRetries},
		{name: "gives up", conflicts: maxConflictRetries + 1, wantErr: ErrConflict},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem := NewMemoryDialer()
			cb := &conflictingBackend{}
			dial := func(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
				be, _ := mem(ctx, cfg, log)
				cb.Backend = be
				return cb, nil
			}
			s := openMemory(t, WithDialer(dial))
			ctx := context.Background()
			require.NoError(t, s.CreateCommunity(ctx, "c1"))

			cb.mu.Lock()
			cb.n = tc.conflicts
			cb.mu.Unlock()

			err := s.AddTrackedAgent(ctx, "c1", "a1")
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, KindConflict, KindOf(err))
		})
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := openMemory(t)
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err := s.GetCommunity(context.Background(), "c1")
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "closed", s.State())
}
