package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"botwatch/internal/runtime/supervisor"
	logx "botwatch/pkg/logx"
)

const DefaultReconnectInterval = 5 * time.Second

// Pool watches every configured node and serves their latest stats.
type Pool struct {
	cfg   Config
	log   logx.Logger
	nodes []*node

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewPool(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "botwatch"
	}
	p := &Pool{cfg: cfg, log: log}
	for _, nc := range cfg.Nodes {
		p.nodes = append(p.nodes, newNode(nc, cfg.ClientName, log))
	}
	return p
}

// Start connects every node as userID. Each node reconnects on its own at a
// fixed interval until Stop. Calling Start again is a no-op.
func (p *Pool) Start(ctx context.Context, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return
	}
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	for _, n := range p.nodes {
		n := n
		p.sup.GoRestart("lavalink."+n.cfg.Name, func(c context.Context) error {
			return n.session(c, userID)
		},
			supervisor.WithRestartBackoff(p.cfg.ReconnectInterval, p.cfg.ReconnectInterval),
			supervisor.WithStopOnCleanExit(false),
		)
	}
	p.log.Info("lavalink pool started", logx.Int("nodes", len(p.nodes)))
}

func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Snapshot returns the latest state of every node in configuration order.
func (p *Pool) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n.snapshot())
	}
	return out
}

func (p *Pool) Len() int { return len(p.nodes) }

// LoadFile reads a JSON array of node definitions.
func LoadFile(path string) ([]NodeConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []NodeConfig
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}
