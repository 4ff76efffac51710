package nodehealth

import (
	"context"
	"strings"
	"sync"
	"time"

	"botwatch/internal/transport"
	logx "botwatch/pkg/logx"
)

// Manager holds the live broadcaster and swaps it when the target channel
// changes. The old message is left in its last rendered state.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	sink    transport.Sink
	source  Source
	records *RecordFile
	log     logx.Logger

	ctx context.Context
	cur *Broadcaster
}

func NewManager(cfg Config, sink transport.Sink, source Source, records *RecordFile, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{cfg: cfg, sink: sink, source: source, records: records, log: log}
}

// Start builds and starts the broadcaster for the configured channel.
// ctx bounds the refresh loop for the life of the manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	if m.cur == nil {
		m.cur = NewBroadcaster(m.cfg, m.sink, m.source, m.records, m.log)
	}
	b := m.cur
	m.mu.Unlock()
	return b.Start(ctx)
}

// SetChannel stops the current broadcaster and starts a fresh one bound to
// channelID. Setting the current channel again only retries a halted start.
func (m *Manager) SetChannel(ctx context.Context, channelID string) error {
	channelID = strings.TrimSpace(channelID)

	m.mu.Lock()
	if m.cur != nil && m.cfg.ChannelID == channelID && m.cur.State() == StateActive {
		m.mu.Unlock()
		return nil
	}
	m.cfg.ChannelID = channelID
	m.mu.Unlock()

	m.log.Info("node status channel changed", logx.String("channel", channelID))
	return m.swap(ctx)
}

// SetInterval changes the refresh interval. An active broadcaster is
// replaced; the new one adopts the same message from the record.
func (m *Manager) SetInterval(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	if d <= 0 || d == m.cfg.Interval {
		m.mu.Unlock()
		return nil
	}
	m.cfg.Interval = d
	active := m.cur != nil && m.cur.State() == StateActive
	m.mu.Unlock()

	if !active {
		return nil
	}
	return m.swap(ctx)
}

func (m *Manager) swap(ctx context.Context) error {
	m.mu.Lock()
	old := m.cur
	m.cur = NewBroadcaster(m.cfg, m.sink, m.source, m.records, m.log)
	b := m.cur
	runCtx := m.ctx
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if runCtx == nil {
		runCtx = ctx
	}
	// runCtx keeps the refresh loop alive past the caller's request
	return b.Start(runCtx)
}

// Refresh forces an immediate update of the current message.
func (m *Manager) Refresh(ctx context.Context) error {
	b := m.current()
	if b == nil {
		return nil
	}
	return b.Refresh(ctx)
}

func (m *Manager) Stop() {
	if b := m.current(); b != nil {
		b.Stop()
	}
}

func (m *Manager) State() State {
	if b := m.current(); b != nil {
		return b.State()
	}
	return StateUninitialized
}

func (m *Manager) Channel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.ChannelID
}

func (m *Manager) current() *Broadcaster {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}
