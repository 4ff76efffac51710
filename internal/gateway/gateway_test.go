package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botwatch/internal/eventbus"
	"botwatch/internal/storage"
	"botwatch/internal/transport"
	"botwatch/internal/transport/transporttest"
	logx "botwatch/pkg/logx"
)

type directory map[string]transport.Member

func (d directory) Member(_ context.Context, _, userID string) (transport.Member, error) {
	m, ok := d[userID]
	if !ok {
		return transport.Member{}, transport.ErrUnknownMember
	}
	return m, nil
}

func newGateway(t *testing.T) (*Gateway, *storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory", HeartbeatInterval: -1}, logx.Nop(), eventbus.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	dir := directory{
		"bot1":  {ID: "bot1", Name: "Musicbot", IsAgent: true},
		"bot2":  {ID: "bot2", Name: "Modbot", IsAgent: true},
		"human": {ID: "human", Name: "alice"},
	}
	sink := transporttest.NewSink()
	sink.AddChannel(transport.Channel{ID: "status", CommunityID: "C", Name: "status"})
	sink.AddChannel(transport.Channel{ID: "elsewhere", CommunityID: "D"})
	return New(st, dir, sink, logx.Nop()), st
}

func TestAddRequiresBroadcastChannel(t *testing.T) {
	g, _ := newGateway(t)
	_, err := g.Add(context.Background(), "C", "bot1")
	require.ErrorIs(t, err, ErrNoBroadcastChannel)
	assert.True(t, IsValidation(err))
}

func TestAddValidatesTarget(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	_, err := g.SetChannel(ctx, "C", "status")
	require.NoError(t, err)

	_, err = g.Add(ctx, "C", "human")
	require.ErrorIs(t, err, ErrNotAgent)

	_, err = g.Add(ctx, "C", "ghost")
	require.ErrorIs(t, err, transport.ErrUnknownMember)

	m, err := g.Add(ctx, "C", "bot1")
	require.NoError(t, err)
	assert.Equal(t, "Musicbot", m.Name)

	_, err = g.Add(ctx, "C", "bot1")
	require.ErrorIs(t, err, ErrAlreadyTracked)
}

func TestRemove(t *testing.T) {
	g, st := newGateway(t)
	ctx := context.Background()
	_, err := g.SetChannel(ctx, "C", "status")
	require.NoError(t, err)
	_, err = g.Add(ctx, "C", "bot1")
	require.NoError(t, err)

	require.ErrorIs(t, g.Remove(ctx, "C", "bot2"), ErrNotTracked)
	require.ErrorIs(t, g.Remove(ctx, "C", "human"), ErrNotAgent)
	require.ErrorIs(t, g.Remove(ctx, "missing", "bot1"), ErrNotTracked)

	require.NoError(t, g.Remove(ctx, "C", "bot1"))
	rec, err := st.GetCommunity(ctx, "C")
	require.NoError(t, err)
	assert.Empty(t, rec.TrackedAgents)
}

func TestRemoveDepartedMember(t *testing.T) {
	g, st := newGateway(t)
	ctx := context.Background()
	require.NoError(t, st.SetBroadcastChannel(ctx, "C", "status"))
	require.NoError(t, st.AddTrackedAgent(ctx, "C", "left-bot"))

	require.NoError(t, g.Remove(ctx, "C", "left-bot"))
}

func TestListKeepsOrderAndNames(t *testing.T) {
	g, st := newGateway(t)
	ctx := context.Background()

	l, err := g.List(ctx, "C")
	require.NoError(t, err)
	assert.Empty(t, l.Agents)

	_, err = g.SetChannel(ctx, "C", "status")
	require.NoError(t, err)
	_, err = g.Add(ctx, "C", "bot2")
	require.NoError(t, err)
	_, err = g.Add(ctx, "C", "bot1")
	require.NoError(t, err)
	require.NoError(t, st.AddTrackedAgent(ctx, "C", "gone"))

	l, err = g.List(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, "status", l.BroadcastChannel)
	assert.Equal(t, []Entry{
		{ID: "bot2", Name: "Modbot"},
		{ID: "bot1", Name: "Musicbot"},
		{ID: "gone"},
	}, l.Agents)
}

func TestSetChannelValidatesChannel(t *testing.T) {
	g, st := newGateway(t)
	ctx := context.Background()

	_, err := g.SetChannel(ctx, "C", "nope")
	require.ErrorIs(t, err, transport.ErrUnknownChannel)

	_, err = g.SetChannel(ctx, "C", "elsewhere")
	require.ErrorIs(t, err, ErrForeignChannel)

	ch, err := g.SetChannel(ctx, "C", " status ")
	require.NoError(t, err)
	assert.Equal(t, "status", ch.Name)

	rec, err := st.GetCommunity(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, "status", rec.BroadcastChannel)
}

func TestStoreErrorsSurfaceUnchanged(t *testing.T) {
	g := New(nil, nil, nil, logx.Nop())
	_, err := g.Add(context.Background(), "C", "bot1")
	require.ErrorIs(t, err, storage.ErrDisabled)
	assert.False(t, IsValidation(err))
}
