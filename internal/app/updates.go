package app

import (
	"context"
	"errors"
	"time"

	"botwatch/internal/config"
	"botwatch/internal/tracker"
	"botwatch/internal/transport/discord"
	logx "botwatch/pkg/logx"
)

// updateLoop consumes gateway updates. Presence events go straight to the
// dispatcher so their order is kept; everything else runs in the background.
func (a *App) updateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			a.handle(ctx, up)
		}
	}
}

func (a *App) handle(ctx context.Context, up discord.Update) {
	switch up.Kind {
	case discord.UpdatePresence:
		if a.dispatcher == nil || up.Presence == nil {
			return
		}
		if err := a.dispatcher.Submit(*up.Presence); err != nil && !errors.Is(err, tracker.ErrQueueFull) {
			a.log.Debug("presence not queued", logx.Err(err))
		}

	case discord.UpdateMessage:
		if up.Message == nil {
			return
		}
		msg := *up.Message
		select {
		case a.cmdSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		a.background(ctx, func(ctx context.Context) {
			defer func() { <-a.cmdSem }()
			a.router.Dispatch(ctx, msg)
		})

	case discord.UpdateCommunityJoin:
		if a.store == nil {
			return
		}
		id := up.CommunityID
		a.background(ctx, func(ctx context.Context) {
			if err := a.store.CreateCommunity(ctx, id); err != nil {
				a.log.Warn("community record not created", logx.String("community", id), logx.Err(err))
			}
		})

	case discord.UpdateCommunityLeave:
		a.log.Info("left community", logx.String("community", up.CommunityID))
		if a.store == nil {
			return
		}
		id := up.CommunityID
		a.background(ctx, func(ctx context.Context) {
			if err := a.store.DeleteCommunity(ctx, id); err != nil {
				a.log.Warn("community record not deleted", logx.String("community", id), logx.Err(err))
			}
		})

	case discord.UpdateReady:
		a.onReady(ctx, up.Communities)
	}
}

// onReady runs on every gateway READY. Lavalink and the node status message
// are started once; reconciliation is scheduled each time since a fresh
// session may follow missed leave events.
func (a *App) onReady(ctx context.Context, communities []string) {
	a.log.Info("gateway ready", logx.String("user", a.reporter()), logx.Int("communities", len(communities)))

	if a.publisher != nil {
		a.publisher.Apply(mapTracker(a.config(), a.reporter()))
	}
	a.readyOnce.Do(func() {
		a.startPresence(ctx)
		if a.nodeHealth == nil {
			return
		}
		a.pool.Start(ctx, a.discord.SelfID())
		a.background(ctx, func(ctx context.Context) {
			if err := a.nodeHealth.Start(ctx); err != nil {
				a.log.Error("node status broadcaster halted", logx.Err(err))
			}
		})
	})

	cfg := a.config()
	if a.store != nil && cfg.Reconcile.Enabled {
		delay := config.DurationOr(cfg.Reconcile.Delay, 10*time.Second)
		a.sched.After(jobReconcileStartup, delay, reconcileTimeout, a.reconcile)
	}
}
