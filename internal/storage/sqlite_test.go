package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "botwatch/pkg/logx"
)

func openSQLiteStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: "sqlite", URI: path, HeartbeatInterval: -1}, logx.Nop(), nil)
	require.NoError(t, err)
	return s
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "botwatch.db")
	ctx := context.Background()

	s := openSQLiteStore(t, path)
	require.NoError(t, s.CreateCommunity(ctx, "c1"))
	require.NoError(t, s.CreateCommunity(ctx, "c1"))
	require.NoError(t, s.SetBroadcastChannel(ctx, "c1", "chan-1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a2"))

	offline := time.Now()
	require.NoError(t, s.SetLastOnline(ctx, "c1", "a2", &offline))
	require.NoError(t, s.Close(ctx))

	s = openSQLiteStore(t, path)
	defer s.Close(ctx)

	rec, err := s.GetCommunity(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "chan-1", rec.BroadcastChannel)
	require.Len(t, rec.TrackedAgents, 2)
	assert.Equal(t, "a1", rec.TrackedAgents[0].ID)
	assert.Nil(t, rec.TrackedAgents[0].LastOnline)
	require.NotNil(t, rec.TrackedAgents[1].LastOnline)
	assert.True(t, rec.TrackedAgents[1].LastOnline.Equal(offline))
}

func TestSQLiteLastOnlineKeepsSubMillisecond(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t, filepath.Join(t.TempDir(), "botwatch.db"))
	defer s.Close(ctx)

	require.NoError(t, s.CreateCommunity(ctx, "c1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "a1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "c1", "gone"))

	call := time.Date(2026, 1, 1, 0, 0, 0, 999_000, time.UTC)
	require.NoError(t, s.SetLastOnline(ctx, "c1", "a1", &call))

	rec, err := s.GetCommunity(ctx, "c1")
	require.NoError(t, err)
	stored := rec.TrackedAgents[0].LastOnline
	require.NotNil(t, stored)
	assert.False(t, stored.Before(call), "stored %s is before %s", stored, call)
	assert.True(t, stored.Equal(call))

	// reconcile rewrites the record from ListTracked rows
	n, err := s.ReconcileTrackedAgents(ctx, map[string]map[string]struct{}{"c1": {"a1": {}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, err = s.GetCommunity(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rec.TrackedAgents, 1)
	assert.True(t, rec.TrackedAgents[0].LastOnline.Equal(call))
}

func TestSQLiteReconcile(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t, filepath.Join(t.TempDir(), "botwatch.db"))
	defer s.Close(ctx)

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, s.CreateCommunity(ctx, id))
	}
	require.NoError(t, s.AddTrackedAgent(ctx, "A", "a1"))
	require.NoError(t, s.AddTrackedAgent(ctx, "A", "a2"))

	n, err := s.ReconcileCommunities(ctx, set("A", "C"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, err := s.GetCommunity(ctx, "B")
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err = s.ReconcileTrackedAgents(ctx, map[string]map[string]struct{}{"A": set("a1")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, _ = s.GetCommunity(ctx, "A")
	require.Len(t, rec.TrackedAgents, 1)
	assert.Equal(t, "a1", rec.TrackedAgents[0].ID)
}

func TestSQLiteSaveAgentsChecksVersion(t *testing.T) {
	ctx := context.Background()
	cfg := Config{URI: filepath.Join(t.TempDir(), "botwatch.db")}
	be, err := openSQLite(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer be.Close()
	require.NoError(t, be.Bind(ctx))

	require.NoError(t, be.Insert(ctx, "c1"))
	require.ErrorIs(t, be.Insert(ctx, "c1"), ErrDuplicate)

	rec, err := be.Get(ctx, "c1")
	require.NoError(t, err)
	stale := rec.Version

	require.NoError(t, be.SaveAgents(ctx, AgentsUpdate{CommunityID: "c1", Agents: []TrackedAgent{{ID: "a1"}}, Version: stale}))
	err = be.SaveAgents(ctx, AgentsUpdate{CommunityID: "c1", Agents: nil, Version: stale})
	require.ErrorIs(t, err, ErrConflict)

	err = be.SaveAgents(ctx, AgentsUpdate{CommunityID: "missing", Version: 0})
	require.ErrorIs(t, err, ErrCommunityNotFound)

	rec, _ = be.Get(ctx, "c1")
	assert.Equal(t, stale+1, rec.Version)
	assert.True(t, rec.IsTracked("a1"))
}
