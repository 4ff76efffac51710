package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"botwatch/internal/eventbus"
	rtsup "botwatch/internal/runtime/supervisor"
	logx "botwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("tracker queue full")
	ErrStopped   = errors.New("tracker stopped")
)

// EventDropped is published when a presence event could not be queued.
const EventDropped = "tracker.dropped"

// DispatcherConfig sizes the lane pool.
type DispatcherConfig struct {
	Lanes         int
	QueueSize     int           // per lane
	HandleTimeout time.Duration // bound for one event; 0 means 30s
}

// Dispatcher fans presence events out to a fixed set of lanes. Events for the
// same (community, agent) pair always land in the same lane, so they are
// handled in arrival order; different agents proceed in parallel.
type Dispatcher struct {
	mu sync.Mutex

	cfg    DispatcherConfig
	handle func(ctx context.Context, ev Event)
	log    logx.Logger
	bus    eventbus.Bus

	lanes     []chan Event
	accepting bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping
}

func NewDispatcher(cfg DispatcherConfig, handle func(ctx context.Context, ev Event), log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	return &Dispatcher{cfg: cfg, handle: handle, log: log, bus: bus}
}

// Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.lanes != nil {
		d.mu.Unlock()
		return
	}

	d.lanes = make([]chan Event, d.cfg.Lanes)
	for i := range d.lanes {
		d.lanes[i] = make(chan Event, d.cfg.QueueSize)
	}
	d.accepting = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	sup := d.sup
	lanes := d.lanes
	d.mu.Unlock()

	for i, q := range lanes {
		q := q
		sup.GoRestart(fmt.Sprintf("tracker.lane.%d", i), func(c context.Context) error {
			return d.laneLoop(c, q)
		})
	}
	d.log.Info("presence dispatcher started", logx.Int("lanes", len(lanes)))
}

// Stop stops intake and drains queued events until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	lanes := d.lanes
	sup := d.sup
	if lanes == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		for _, q := range lanes {
			close(q)
		}
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.lanes = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Submit queues ev without blocking.
func (d *Dispatcher) Submit(ev Event) error {
	d.mu.Lock()
	if !d.accepting || d.lanes == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.lanes[laneFor(ev, len(d.lanes))]
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- ev:
		return nil
	default:
		d.bus.Publish(eventbus.Event{Type: EventDropped, Data: ev})
		d.log.Warn("presence queue full, dropping event", logx.String("community", ev.CommunityID), logx.String("agent", ev.AgentID))
		return ErrQueueFull
	}
}

func (d *Dispatcher) laneLoop(ctx context.Context, q <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-q:
			if !ok {
				return nil
			}
			hctx, cancel := context.WithTimeout(ctx, d.cfg.HandleTimeout)
			d.handle(hctx, ev)
			cancel()
		}
	}
}

func laneFor(ev Event, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.CommunityID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ev.AgentID))
	return int(h.Sum32() % uint32(n))
}
