package nodes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "botwatch/pkg/logx"
)

const (
	readyFrame = `{"op":"ready","resumed":false,"sessionId":"s1"}`
	statsFrame = `{"op":"stats","players":3,"playingPlayers":2,"uptime":3600000,` +
		`"memory":{"free":1,"used":268435456,"allocated":1,"reservable":1},` +
		`"cpu":{"cores":4,"systemLoad":0.25,"lavalinkLoad":0.125}}`
)

type fakeLavalink struct {
	srv      *httptest.Server
	sessions atomic.Int32
	auth     atomic.Value
	user     atomic.Value
	drop     chan struct{}
}

func newFakeLavalink(t *testing.T) *fakeLavalink {
	t.Helper()
	f := &fakeLavalink{drop: make(chan struct{}, 1)}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v4/websocket" {
			http.NotFound(w, r)
			return
		}
		f.auth.Store(r.Header.Get("Authorization"))
		f.user.Store(r.Header.Get("User-Id"))
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		f.sessions.Add(1)

		_ = c.WriteMessage(websocket.TextMessage, []byte(readyFrame))
		_ = c.WriteMessage(websocket.TextMessage, []byte(statsFrame))
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()
		select {
		case <-f.drop:
		case <-gone:
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLavalink) host() string { return strings.TrimPrefix(f.srv.URL, "http://") }

func TestPoolCollectsStatsAndReconnects(t *testing.T) {
	ll := newFakeLavalink(t)
	p := NewPool(Config{
		Nodes:             []NodeConfig{{Name: "main", URL: ll.host(), Auth: "secret"}},
		ReconnectInterval: 20 * time.Millisecond,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, "1234")
	defer p.Stop(context.Background())

	require.Eventually(t, func() bool {
		s := p.Snapshot()[0]
		return s.State == StateConnected && s.Players != nil
	}, 2*time.Second, 10*time.Millisecond)

	s := p.Snapshot()[0]
	assert.Equal(t, "main", s.Name)
	assert.Equal(t, 3, *s.Players)
	assert.Equal(t, 2, *s.PlayingPlayers)
	assert.Equal(t, time.Hour, *s.Uptime)
	assert.Equal(t, 4, *s.CPUCores)
	assert.InDelta(t, 0.25, *s.SystemLoad, 1e-9)
	assert.InDelta(t, 0.125, *s.ProcessLoad, 1e-9)
	assert.Equal(t, int64(256*1024*1024), *s.MemoryUsed)
	assert.Equal(t, "secret", ll.auth.Load())
	assert.Equal(t, "1234", ll.user.Load())

	ll.drop <- struct{}{}
	require.Eventually(t, func() bool { return ll.sessions.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.Snapshot()[0].State == StateConnected }, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotBeforeAnyStats(t *testing.T) {
	p := NewPool(Config{Nodes: []NodeConfig{{Name: "idle", URL: "127.0.0.1:1"}}}, logx.Nop())
	s := p.Snapshot()
	require.Len(t, s, 1)
	assert.Equal(t, StateDisconnected, s[0].State)
	assert.Nil(t, s[0].Players)
	assert.Nil(t, s[0].MemoryUsed)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lavalink-nodes.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"a","url":"h:2333","auth":"x","secure":true}]`), 0o600))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []NodeConfig{{Name: "a", URL: "h:2333", Auth: "x", Secure: true}}, got)
}
