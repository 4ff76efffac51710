package app

import (
	"context"
	"strings"

	"botwatch/internal/config"
	"botwatch/internal/scheduler"
	logx "botwatch/pkg/logx"
)

// reloadLoop applies hot-reloadable sections. Sections that need a restart
// are only reported.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, next)
		}
	}
}

func (a *App) apply(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)...)
	if len(ch.Restart) > 0 {
		a.log.Warn("some changes apply after restart", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	if ch.Logging {
		a.logs.Apply(mapLogging(next))
	}
	if ch.Prefix {
		a.router.Apply(mapCommands(next))
	}
	if ch.Tracker && a.publisher != nil {
		a.publisher.Apply(mapTracker(next, a.reporter()))
	}
	if ch.Presence || ch.Prefix {
		if err := a.applyPresence(next); err != nil {
			a.log.Warn("presence config rejected", logx.Err(err))
		}
	}
	if ch.Reconcile {
		a.sched.Apply(scheduler.Config{Timezone: next.Reconcile.Timezone, Spread: true})
		if err := a.scheduleReconcile(next); err != nil {
			a.log.Warn("reconcile schedule rejected", logx.Err(err))
		}
	}
	if ch.NodeHealth && a.nodeHealth != nil {
		nc := mapNodeHealth(next)
		// a channel set with the nodechannel command survives unrelated edits
		if nc.ChannelID != mapNodeHealth(prev).ChannelID {
			if err := a.nodeHealth.SetChannel(ctx, nc.ChannelID); err != nil {
				a.log.Error("node status broadcaster halted", logx.Err(err))
			}
		}
		if err := a.nodeHealth.SetInterval(ctx, nc.Interval); err != nil {
			a.log.Error("node status broadcaster halted", logx.Err(err))
		}
	}
}
