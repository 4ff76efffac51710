package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botwatch/internal/eventbus"
	"botwatch/internal/storage"
	"botwatch/internal/transport"
	"botwatch/internal/transport/transporttest"
	logx "botwatch/pkg/logx"
)

func TestParseStatus(t *testing.T) {
	for raw, want := range map[string]Status{
		"online":    StatusOnline,
		"IDLE":      StatusIdle,
		"dnd":       StatusDND,
		"offline":   StatusOffline,
		"invisible": StatusOffline,
		"":          StatusOffline,
	} {
		assert.Equal(t, want, ParseStatus(raw), raw)
	}
}

func TestDetectIgnoresChangesThatDoNotCrossOffline(t *testing.T) {
	now := time.Now()
	stored := now.Add(-time.Hour)
	up := []Status{StatusOnline, StatusIdle, StatusDND}

	for _, a := range up {
		for _, b := range up {
			assert.Equal(t, None, Detect(a, b, &stored, now).Kind, "%s -> %s", a, b)
		}
	}
	assert.Equal(t, None, Detect(StatusOffline, StatusOffline, &stored, now).Kind)
}

func TestDetectWentOffline(t *testing.T) {
	before := time.Now()
	d := Detect(StatusIdle, StatusOffline, nil, time.Now())
	after := time.Now()

	require.Equal(t, WentOffline, d.Kind)
	require.NotNil(t, d.NewLastOnline)
	assert.False(t, d.NewLastOnline.Before(before))
	assert.False(t, d.NewLastOnline.After(after))
}

func TestDetectCameBackOnline(t *testing.T) {
	now := time.Now()
	stored := now.Add(-90 * time.Second)

	d := Detect(StatusOffline, StatusDND, &stored, now)
	assert.Equal(t, CameBackOnline, d.Kind)
	assert.Equal(t, 90*time.Second, d.Downtime)
	assert.Nil(t, d.NewLastOnline)

	d = Detect(StatusOffline, StatusOnline, nil, now)
	assert.Equal(t, CameBackOnlineNoHistory, d.Kind)
	assert.Nil(t, d.NewLastOnline)

	future := now.Add(time.Minute)
	d = Detect(StatusOffline, StatusOnline, &future, now)
	assert.Equal(t, time.Duration(0), d.Downtime, "clock skew must not produce negative downtime")
}

func TestFormatDowntime(t *testing.T) {
	for _, tc := range []struct {
		in   time.Duration
		want string
	}{
		{0, "0 seconds"},
		{400 * time.Millisecond, "0 seconds"},
		{1500 * time.Millisecond, "2 seconds"},
		{time.Second, "1 second"},
		{61 * time.Second, "1 minute and 1 second"},
		{59*time.Second + 600*time.Millisecond, "1 minute"},
		{2*time.Hour + 5*time.Second, "2 hours and 5 seconds"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "1 day, 2 hours, 3 minutes and 4 seconds"},
		{48 * time.Hour, "2 days"},
	} {
		assert.Equal(t, tc.want, FormatDowntime(tc.in), tc.in.String())
	}
}

type fixture struct {
	store *storage.Store
	sink  *transporttest.Sink
	bus   eventbus.Bus
	pub   *Publisher
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory", HeartbeatInterval: -1}, logx.Nop(), bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, st.CreateCommunity(ctx, "C"))
	require.NoError(t, st.SetBroadcastChannel(ctx, "C", "status"))
	require.NoError(t, st.AddTrackedAgent(ctx, "C", "A"))

	f := &fixture{store: st, sink: transporttest.NewSink("status"), bus: bus, now: time.Now()}
	f.pub = NewPublisher(Config{NotificationRoleID: "role-1", Reporter: "watcher"}, st, f.sink, bus, logx.Nop())
	f.pub.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) lastOnline(t *testing.T) *time.Time {
	t.Helper()
	rec, err := f.store.GetCommunity(context.Background(), "C")
	require.NoError(t, err)
	a, ok := rec.Agent("A")
	require.True(t, ok)
	return a.LastOnline
}

func TestOfflineThenOnlineScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pub.Handle(ctx, Event{CommunityID: "C", AgentID: "A", AgentName: "Agent", Old: StatusOnline, New: StatusOffline})

	stored := f.lastOnline(t)
	require.NotNil(t, stored)
	assert.True(t, stored.Equal(f.now))

	f.now = f.now.Add(42 * time.Second)
	f.pub.Handle(ctx, Event{CommunityID: "C", AgentID: "A", AgentName: "Agent", Old: StatusOffline, New: StatusOnline})

	assert.Nil(t, f.lastOnline(t))

	sends := f.sink.Sends()
	require.Len(t, sends, 2)

	first := sends[0].Content
	assert.Equal(t, "<@&role-1>", first.Text)
	assert.Equal(t, "Agent Status Update", first.Card.Title)
	assert.Equal(t, transport.ColorError, first.Card.Color)
	assert.Contains(t, first.Card.Description, "<@A> is now offline.")
	assert.Contains(t, first.Card.Description, "Reported by **watcher**")

	second := sends[1].Content
	assert.Equal(t, transport.ColorSuccess, second.Card.Color)
	assert.Contains(t, second.Card.Description, "is back online! Offline for 42 seconds")
}

func TestBackOnlineWithoutHistory(t *testing.T) {
	f := newFixture(t)
	f.pub.Handle(context.Background(), Event{CommunityID: "C", AgentID: "A", Old: StatusOffline, New: StatusIdle})

	sends := f.sink.Sends()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Content.Card.Description, "<@A> is online!")
	assert.Equal(t, "A Status Update", sends[0].Content.Card.Title)
}

func TestHandleSkipsUntrackedAndUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pub.Handle(ctx, Event{CommunityID: "C", AgentID: "other", Old: StatusOnline, New: StatusOffline})
	f.pub.Handle(ctx, Event{CommunityID: "missing", AgentID: "A", Old: StatusOnline, New: StatusOffline})
	f.pub.Handle(ctx, Event{CommunityID: "C", AgentID: "A", Old: StatusOnline, New: StatusIdle})

	assert.Empty(t, f.sink.Sends())
	assert.Nil(t, f.lastOnline(t))
}

func TestPublishDropsWhenChannelUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetBroadcastChannel(ctx, "C", "gone"))

	f.pub.Handle(ctx, Event{CommunityID: "C", AgentID: "A", Old: StatusOnline, New: StatusOffline})

	assert.Empty(t, f.sink.Sends())
	assert.Nil(t, f.lastOnline(t), "nothing is persisted when the update is dropped")
}

func TestSendFailureIsPublishedNotReturned(t *testing.T) {
	f := newFixture(t)
	errs, unsub := f.bus.Subscribe(4, EventBroadcastError)
	defer unsub()

	boom := errors.New("missing permissions")
	f.sink.SendErr = boom
	f.pub.Handle(context.Background(), Event{CommunityID: "C", AgentID: "A", Old: StatusOnline, New: StatusOffline})

	select {
	case e := <-errs:
		be, ok := e.Data.(BroadcastError)
		require.True(t, ok)
		assert.Equal(t, "C", be.CommunityID)
		assert.Equal(t, "send", be.Stage)
		assert.ErrorIs(t, be.Err, boom)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast error event")
	}
	assert.NotNil(t, f.lastOnline(t), "state is persisted before the send")
}

type failingStore struct {
	Store
	err error
}

func (s failingStore) SetLastOnline(context.Context, string, string, *time.Time) error { return s.err }

func TestPersistFailureAbortsSend(t *testing.T) {
	f := newFixture(t)
	pub := NewPublisher(Config{}, failingStore{Store: f.store, err: storage.ErrTimeout}, f.sink, f.bus, logx.Nop())

	errs, unsub := f.bus.Subscribe(4, EventBroadcastError)
	defer unsub()

	pub.Handle(context.Background(), Event{CommunityID: "C", AgentID: "A", Old: StatusOnline, New: StatusOffline})

	assert.Empty(t, f.sink.Sends())
	select {
	case e := <-errs:
		assert.Equal(t, "persist", e.Data.(BroadcastError).Stage)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast error event")
	}
}

func TestDispatcherKeepsPerAgentOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got = map[string][]Status{}
		wg  sync.WaitGroup
	)
	const perAgent = 50
	agents := []string{"a", "b", "c"}
	wg.Add(perAgent * len(agents))

	d := NewDispatcher(DispatcherConfig{Lanes: 2, QueueSize: perAgent * len(agents)}, func(_ context.Context, ev Event) {
		mu.Lock()
		got[ev.AgentID] = append(got[ev.AgentID], ev.New)
		mu.Unlock()
		wg.Done()
	}, logx.Nop(), nil)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	want := make([]Status, perAgent)
	for i := range want {
		if i%2 == 0 {
			want[i] = StatusOffline
		} else {
			want[i] = StatusOnline
		}
	}
	for i := 0; i < perAgent; i++ {
		for _, a := range agents {
			require.NoError(t, d.Submit(Event{CommunityID: "C", AgentID: a, New: want[i]}))
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not handled")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, a := range agents {
		assert.Equal(t, want, got[a], a)
	}
}

func TestDispatcherRejectsAfterStop(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, func(context.Context, Event) {}, logx.Nop(), nil)
	require.ErrorIs(t, d.Submit(Event{}), ErrStopped)

	d.Start(context.Background())
	require.NoError(t, d.Submit(Event{AgentID: "a"}))
	d.Stop(context.Background())
	require.ErrorIs(t, d.Submit(Event{}), ErrStopped)
}
