package nodes

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	logx "botwatch/pkg/logx"
)

const (
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 5 * time.Second
)

// node keeps one websocket session to a Lavalink server and caches the
// last stats frame.
type node struct {
	cfg        NodeConfig
	clientName string
	log        logx.Logger
	dialer     *websocket.Dialer

	mu    sync.RWMutex
	state State
	stats wireMessage
	seen  bool
	at    time.Time
}

func newNode(cfg NodeConfig, clientName string, log logx.Logger) *node {
	return &node{
		cfg:        cfg,
		clientName: clientName,
		log:        log.With(logx.String("node", cfg.Name)),
		dialer:     &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

func (n *node) endpoint() string {
	scheme := "ws"
	if n.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: n.cfg.URL, Path: "/v4/websocket"}
	return u.String()
}

func (n *node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// session dials once and reads until the connection drops or ctx is done.
// It always returns a non-nil error so the caller reconnects.
func (n *node) session(ctx context.Context, userID string) error {
	n.setState(StateConnecting)
	defer n.setState(StateDisconnected)

	h := http.Header{}
	h.Set("Authorization", n.cfg.Auth)
	h.Set("User-Id", userID)
	h.Set("Client-Name", n.clientName)

	conn, resp, err := n.dialer.DialContext(ctx, n.endpoint(), h)
	if err != nil {
		if resp != nil {
			return errors.New("dial " + n.cfg.Name + ": " + resp.Status)
		}
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	n.setState(StateConnected)
	n.log.Info("lavalink node connected")

	// Closing the conn unblocks ReadJSON on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-stop:
				return
			case <-t.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
		}
	}()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.log.Warn("lavalink node disconnected", logx.Err(err))
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Op {
		case "ready":
			n.log.Debug("lavalink session ready", logx.String("session", msg.SessionID), logx.Bool("resumed", msg.Resumed))
		case "stats":
			n.mu.Lock()
			n.stats = msg
			n.seen = true
			n.at = time.Now()
			n.mu.Unlock()
		}
	}
}

func (n *node) snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s := Snapshot{Name: n.cfg.Name, State: n.state}
	if !n.seen {
		return s
	}
	st := n.stats
	s.UpdatedAt = n.at
	s.Players = st.Players
	s.PlayingPlayers = st.PlayingPlayers
	if st.Uptime != nil {
		d := time.Duration(*st.Uptime) * time.Millisecond
		s.Uptime = &d
	}
	if st.CPU != nil {
		cores, sys, proc := st.CPU.Cores, st.CPU.SystemLoad, st.CPU.LavalinkLoad
		s.CPUCores, s.SystemLoad, s.ProcessLoad = &cores, &sys, &proc
	}
	if st.Memory != nil {
		used := st.Memory.Used
		s.MemoryUsed = &used
	}
	return s
}
