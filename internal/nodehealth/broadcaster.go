package nodehealth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"botwatch/internal/nodes"
	"botwatch/internal/transport"
	logx "botwatch/pkg/logx"
)

const DefaultInterval = 60 * time.Second

var (
	ErrNoChannel = errors.New("no node status channel configured")
	ErrStopped   = errors.New("broadcaster stopped")
)

type State int32

const (
	StateUninitialized State = iota
	StateRecovering
	StateCreating
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

// Source supplies node metrics.
type Source interface {
	Snapshot() []nodes.Snapshot
}

type Config struct {
	ChannelID string
	Interval  time.Duration
	// EditTimeout bounds a single send or edit; 0 means 15s.
	EditTimeout time.Duration
}

// Broadcaster owns one status message in one channel and keeps it fresh.
type Broadcaster struct {
	cfg     Config
	sink    transport.Sink
	source  Source
	records *RecordFile
	log     logx.Logger
	now     func() time.Time

	startMu sync.Mutex // serializes Start

	mu     sync.Mutex
	state  State
	ref    transport.MessageRef
	cancel context.CancelFunc
	done   chan struct{}

	inFlight atomic.Bool
	editMu   sync.Mutex // held for the duration of one edit
	stopped  atomic.Bool
}

func NewBroadcaster(cfg Config, sink transport.Sink, source Source, records *RecordFile, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.EditTimeout <= 0 {
		cfg.EditTimeout = 15 * time.Second
	}
	return &Broadcaster{
		cfg:     cfg,
		sink:    sink,
		source:  source,
		records: records,
		log:     log.With(logx.String("channel", cfg.ChannelID)),
		now:     time.Now,
	}
}

func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Message returns the owned message once Active.
func (b *Broadcaster) Message() (transport.MessageRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ref, b.state == StateActive
}

// setState moves the state unless Stop got there first. Stopped is final.
func (b *Broadcaster) setState(s State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateStopped {
		return false
	}
	b.state = s
	return true
}

// Start recovers or creates the status message and begins refreshing it.
// Starting an Active broadcaster keeps its current message.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	switch b.State() {
	case StateActive:
		return nil
	case StateStopped:
		return ErrStopped
	}
	if b.cfg.ChannelID == "" {
		b.log.Error("node status broadcaster has no channel")
		return ErrNoChannel
	}

	if !b.setState(StateRecovering) {
		return ErrStopped
	}
	ch, err := b.sink.ResolveChannel(ctx, b.cfg.ChannelID)
	if err != nil {
		b.setState(StateUninitialized)
		b.log.Error("invalid node status channel", logx.Err(err))
		return fmt.Errorf("resolve channel %s: %w", b.cfg.ChannelID, err)
	}

	ref, ok := b.recover(ctx, ch.ID)
	if !ok {
		if !b.setState(StateCreating) {
			return ErrStopped
		}
		sctx, cancel := context.WithTimeout(ctx, b.cfg.EditTimeout)
		ref, err = b.sink.SendMessage(sctx, ch.ID, b.render())
		cancel()
		if err != nil {
			b.setState(StateUninitialized)
			b.log.Error("failed to create node status message", logx.Err(err))
			return fmt.Errorf("create status message: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	// The record is written under b.mu so a broadcaster stopped mid-send
	// cannot overwrite the record of the one that replaced it.
	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		cancel()
		if !ok {
			b.log.Info("node status broadcaster stopped during creation; message abandoned", logx.String("message", ref.MessageID))
		}
		return ErrStopped
	}
	if !ok {
		if err := b.records.Save(Record{ChannelID: ref.ChannelID, MessageID: ref.MessageID}); err != nil {
			b.log.Error("failed to save node status record", logx.Err(err))
		}
	}
	b.ref = ref
	b.state = StateActive
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go b.loop(runCtx, done)
	b.log.Info("node status broadcaster started", logx.String("message", ref.MessageID), logx.Bool("recovered", ok))
	return nil
}

func (b *Broadcaster) recover(ctx context.Context, channelID string) (transport.MessageRef, bool) {
	rec, err := b.records.Load()
	if err != nil {
		b.log.Error("failed to load node status record", logx.Err(err))
		return transport.MessageRef{}, false
	}
	if rec == nil || rec.MessageID == "" || rec.ChannelID != channelID {
		return transport.MessageRef{}, false
	}
	ref := transport.MessageRef{ChannelID: rec.ChannelID, MessageID: rec.MessageID}
	fctx, cancel := context.WithTimeout(ctx, b.cfg.EditTimeout)
	defer cancel()
	if err := b.sink.FetchMessage(fctx, ref); err != nil {
		b.log.Info("stored node status message unavailable, creating a new one", logx.String("message", rec.MessageID), logx.Err(err))
		return transport.MessageRef{}, false
	}
	return ref, true
}

func (b *Broadcaster) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(b.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = b.Refresh(ctx)
		}
	}
}

var errBusy = errors.New("refresh already in flight")

// Refresh re-renders and edits the message now. A refresh that overlaps one
// already running is skipped. Edit failures are logged; the next tick retries.
func (b *Broadcaster) Refresh(ctx context.Context) error {
	if !b.inFlight.CompareAndSwap(false, true) {
		b.log.Debug("node status refresh skipped, previous still running")
		return errBusy
	}
	defer b.inFlight.Store(false)

	b.editMu.Lock()
	defer b.editMu.Unlock()
	if b.stopped.Load() {
		return ErrStopped
	}
	ref, ok := b.Message()
	if !ok {
		return nil
	}

	ectx, cancel := context.WithTimeout(ctx, b.cfg.EditTimeout)
	defer cancel()
	if err := b.sink.EditMessage(ectx, ref, b.render()); err != nil {
		b.log.Warn("failed to update node status message", logx.Err(err))
		return err
	}
	return nil
}

// Stop halts refreshing. No edit is issued after Stop returns. Idempotent.
func (b *Broadcaster) Stop() {
	b.stopped.Store(true)

	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		return
	}
	wasActive := b.state == StateActive
	b.state = StateStopped
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wait out an edit that is already running.
	b.editMu.Lock()
	b.editMu.Unlock()
	if done != nil {
		<-done
	}
	if wasActive {
		b.log.Info("node status broadcaster stopped")
	}
}

func (b *Broadcaster) render() transport.Content {
	var snaps []nodes.Snapshot
	if b.source != nil {
		snaps = b.source.Snapshot()
	}
	return Render(snaps, b.cfg.Interval, b.now())
}
